package chat

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lazyhollow/doppel/internal/llm"
)

// Tool names form a closed set. Dispatch is over the Call variants
// below, not over these strings.
const (
	ToolProposeFact     = "propose_fact"
	ToolConfirmFact     = "confirm_fact"
	ToolProposeEpisodic = "propose_episodic"
	ToolConfirmEpisodic = "confirm_episodic"
	ToolSearchMemory    = "search_memory"
	ToolProposeRule     = "propose_procedural_rule"
)

// ErrMissingField marks a tool call whose required arguments are absent.
// Such calls are logged as ignored, never executed.
var ErrMissingField = errors.New("missing required field")

// Call is a validated tool invocation. The variant set is closed:
// adding a tool means adding a variant here, a schema in ToolDefs, a
// parse arm in ParseCall, and an execute arm in the orchestrator. The
// compiler and the default cases flag anything missed.
type Call interface {
	isCall()
}

// ProposeFactCall stores an unverified candidate fact.
type ProposeFactCall struct {
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Confidence  float64 `json:"confidence"`
	Sensitivity string  `json:"sensitivity"`
	TTLDays     *int    `json:"ttl_days"`
}

// ConfirmFactCall stores a confirmed fact.
type ConfirmFactCall struct {
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Confidence  float64 `json:"confidence"`
	Sensitivity string  `json:"sensitivity"`
	TTLDays     *int    `json:"ttl_days"`
	FactDate    string  `json:"fact_date"`
}

// ProposeEpisodicCall stores an unverified episodic memory.
type ProposeEpisodicCall struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	OccurredAt string  `json:"occurred_at"`
	Location   string  `json:"location"`
}

// ConfirmEpisodicCall stores a confirmed episodic memory.
type ConfirmEpisodicCall struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	OccurredAt string  `json:"occurred_at"`
	Location   string  `json:"location"`
}

// SearchMemoryCall runs hybrid retrieval and returns hits to the model.
type SearchMemoryCall struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// ProposeRuleCall stores a behavioral rule.
type ProposeRuleCall struct {
	RuleType   string   `json:"rule_type"`
	Action     string   `json:"action"`
	Condition  string   `json:"condition"`
	Context    string   `json:"context"`
	Confidence *float64 `json:"confidence"`
	Frequency  string   `json:"frequency"`
	Importance *float64 `json:"importance"`
}

func (ProposeFactCall) isCall()     {}
func (ConfirmFactCall) isCall()     {}
func (ProposeEpisodicCall) isCall() {}
func (ConfirmEpisodicCall) isCall() {}
func (SearchMemoryCall) isCall()    {}
func (ProposeRuleCall) isCall()     {}

// ParseCall validates a raw tool invocation into its Call variant.
// Malformed JSON is treated as empty arguments, which then fails the
// required-field check rather than erroring.
func ParseCall(name string, args json.RawMessage) (Call, error) {
	if len(args) == 0 || !json.Valid(args) {
		args = []byte("{}")
	}

	switch name {
	case ToolProposeFact:
		var c ProposeFactCall
		json.Unmarshal(args, &c)
		if c.Key == "" {
			return nil, fmt.Errorf("%w: key", ErrMissingField)
		}
		if c.Value == "" {
			return nil, fmt.Errorf("%w: value", ErrMissingField)
		}
		return c, nil

	case ToolConfirmFact:
		var c ConfirmFactCall
		json.Unmarshal(args, &c)
		if c.Key == "" {
			return nil, fmt.Errorf("%w: key", ErrMissingField)
		}
		if c.Value == "" {
			return nil, fmt.Errorf("%w: value", ErrMissingField)
		}
		return c, nil

	case ToolProposeEpisodic:
		var c ProposeEpisodicCall
		json.Unmarshal(args, &c)
		if c.Text == "" {
			return nil, fmt.Errorf("%w: text", ErrMissingField)
		}
		return c, nil

	case ToolConfirmEpisodic:
		var c ConfirmEpisodicCall
		json.Unmarshal(args, &c)
		if c.Text == "" {
			return nil, fmt.Errorf("%w: text", ErrMissingField)
		}
		return c, nil

	case ToolSearchMemory:
		var c SearchMemoryCall
		json.Unmarshal(args, &c)
		if c.Query == "" {
			return nil, fmt.Errorf("%w: query", ErrMissingField)
		}
		return c, nil

	case ToolProposeRule:
		var c ProposeRuleCall
		json.Unmarshal(args, &c)
		if c.RuleType == "" {
			return nil, fmt.Errorf("%w: rule_type", ErrMissingField)
		}
		if c.Action == "" {
			return nil, fmt.Errorf("%w: action", ErrMissingField)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// ToolDefs returns the fixed tool schema offered to the model on every
// turn.
func ToolDefs() []llm.ToolDef {
	confidence := map[string]any{
		"type":        "number",
		"description": "How certain this is, 0 to 1",
	}

	return []llm.ToolDef{
		{
			Name:        ToolProposeFact,
			Description: "Record an inferred profile fact as an unverified candidate awaiting user confirmation.",
			Properties: map[string]any{
				"key":         map[string]any{"type": "string", "description": "Short snake_case identifier, unique per user"},
				"value":       map[string]any{"type": "string", "description": "The fact content"},
				"confidence":  confidence,
				"sensitivity": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
				"ttl_days":    map[string]any{"type": "integer", "description": "Days until the fact expires, omit for no expiry"},
			},
			Required: []string{"key", "value"},
		},
		{
			Name:        ToolConfirmFact,
			Description: "Record a profile fact the user stated directly, immediately usable as context.",
			Properties: map[string]any{
				"key":         map[string]any{"type": "string", "description": "Short snake_case identifier, unique per user"},
				"value":       map[string]any{"type": "string", "description": "The fact content"},
				"confidence":  confidence,
				"sensitivity": map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
				"ttl_days":    map[string]any{"type": "integer", "description": "Days until the fact expires, omit for no expiry"},
				"fact_date":   map[string]any{"type": "string", "description": "When the fact became true, if mentioned"},
			},
			Required: []string{"key", "value"},
		},
		{
			Name:        ToolProposeEpisodic,
			Description: "Record an inferred event from the user's life. Temporal phrases in the text are resolved to a date automatically.",
			Properties: map[string]any{
				"text":        map[string]any{"type": "string", "description": "What happened"},
				"confidence":  confidence,
				"occurred_at": map[string]any{"type": "string", "description": "RFC 3339 date, if the text has no temporal phrase"},
				"location":    map[string]any{"type": "string"},
			},
			Required: []string{"text"},
		},
		{
			Name:        ToolConfirmEpisodic,
			Description: "Record an event the user recounted directly. Temporal phrases in the text are resolved to a date automatically.",
			Properties: map[string]any{
				"text":        map[string]any{"type": "string", "description": "What happened"},
				"confidence":  confidence,
				"occurred_at": map[string]any{"type": "string", "description": "RFC 3339 date, if the text has no temporal phrase"},
				"location":    map[string]any{"type": "string"},
			},
			Required: []string{"text"},
		},
		{
			Name:        ToolSearchMemory,
			Description: "Search the user's facts, episodic memories, and documents.",
			Properties: map[string]any{
				"query": map[string]any{"type": "string"},
				"limit": map[string]any{"type": "integer", "description": "Max results, default 5"},
			},
			Required: []string{"query"},
		},
		{
			Name:        ToolProposeRule,
			Description: "Record a behavioral rule: a habit, preference, routine, if-then pattern, or skill.",
			Properties: map[string]any{
				"rule_type":  map[string]any{"type": "string", "enum": []string{"habit", "preference", "routine", "if_then", "skill"}},
				"action":     map[string]any{"type": "string", "description": "What the user does"},
				"condition":  map[string]any{"type": "string", "description": "When the rule applies"},
				"context":    map[string]any{"type": "string"},
				"confidence": confidence,
				"frequency":  map[string]any{"type": "string", "description": "e.g. daily, weekly"},
				"importance": map[string]any{"type": "number", "description": "0 to 1"},
			},
			Required: []string{"rule_type", "action"},
		},
	}
}
