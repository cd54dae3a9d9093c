package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lazyhollow/doppel/internal/engine"
	"github.com/lazyhollow/doppel/internal/llm"
	"github.com/lazyhollow/doppel/internal/store"
)

// Op outcomes. "ignored" means the call was skipped for missing or
// malformed arguments; "error" means execution was attempted and failed.
const (
	OpOK      = "ok"
	OpIgnored = "ignored"
	OpError   = "error"
)

// Op is the audit record of one tool call in a turn.
type Op struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	Retrieved int             `json:"retrieved,omitempty"`
}

// Sink receives a turn's output. Ops is called exactly once, before the
// first Chunk, so transports can emit op metadata as headers ahead of
// the streamed body.
type Sink interface {
	Ops(ops []Op)
	Chunk(text string)
}

// Orchestrator runs a two-pass chat turn: assemble context, let the
// model respond with tool calls, execute them, then stream the final
// reply with the tool results folded in.
type Orchestrator struct {
	DB       *store.DB
	Embedder engine.Embedder
	Resolver engine.TemporalResolver
	LLM      llm.Client

	// ContextHits caps retrieval hits folded into the system prompt.
	// Zero means the default of 5.
	ContextHits int
}

// Turn runs one chat turn for a user. Context assembly and the two
// model passes are fatal on error; individual tool calls are not, each
// failure is recorded in its Op and the turn continues.
func (o *Orchestrator) Turn(ctx context.Context, userID, message string, sink Sink) (string, []Op, error) {
	contextBlock, err := o.assembleContext(ctx, userID, message)
	if err != nil {
		return "", nil, err
	}
	system := llm.TwinSystemPrompt(contextBlock)

	turn, err := o.LLM.Respond(ctx, system, message, ToolDefs())
	if err != nil {
		return "", nil, fmt.Errorf("model response: %w", err)
	}

	// Tool calls run sequentially in the order the model emitted them,
	// so a confirm_fact following a propose_fact lands last.
	ops := make([]Op, 0, len(turn.ToolUses))
	results := make([]llm.ToolResult, 0, len(turn.ToolUses))
	for _, use := range turn.ToolUses {
		op, result := o.execute(ctx, userID, use)
		ops = append(ops, op)
		results = append(results, result)
	}

	sink.Ops(ops)

	if len(turn.ToolUses) == 0 && turn.Text != "" {
		// Nothing to feed back; the first-pass text is the reply.
		sink.Chunk(turn.Text)
		return turn.Text, ops, nil
	}

	reply, err := o.LLM.StreamReply(ctx, system, message, turn, results, sink.Chunk)
	if err != nil {
		return reply, ops, fmt.Errorf("stream reply: %w", err)
	}
	return reply, ops, nil
}

// execute runs a single tool call in isolation. Parse failures yield an
// ignored op; execution failures yield an error op. Neither aborts the
// rest of the turn.
func (o *Orchestrator) execute(ctx context.Context, userID string, use llm.ToolUse) (Op, llm.ToolResult) {
	op := Op{ID: use.ID, Name: use.Name, Args: use.Input}
	if !json.Valid(use.Input) {
		// Re-encode invalid raw bytes as a JSON string so the ops log
		// always serializes.
		op.Args, _ = json.Marshal(string(use.Input))
	}

	call, err := ParseCall(use.Name, use.Input)
	if err != nil {
		op.Status = OpIgnored
		op.Error = err.Error()
		log.Printf("tool %s ignored: %v", use.Name, err)
		return op, llm.ToolResult{ID: use.ID, Content: "ignored: " + err.Error(), IsError: true}
	}

	content, retrieved, err := o.run(ctx, userID, call)
	if err != nil {
		op.Status = OpError
		op.Error = err.Error()
		log.Printf("tool %s failed: %v", use.Name, err)
		return op, llm.ToolResult{ID: use.ID, Content: "error: " + err.Error(), IsError: true}
	}

	op.Status = OpOK
	op.Retrieved = retrieved
	return op, llm.ToolResult{ID: use.ID, Content: content}
}

func (o *Orchestrator) run(ctx context.Context, userID string, call Call) (string, int, error) {
	switch c := call.(type) {
	case ProposeFactCall:
		in, err := o.factInput(ctx, c.Key, c.Value, c.Confidence, c.Sensitivity, c.TTLDays, "")
		if err != nil {
			return "", 0, err
		}
		f, err := o.DB.ProposeFact(userID, in)
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("stored candidate fact %q, awaiting confirmation", f.Key), 0, nil

	case ConfirmFactCall:
		// Without an explicit fact_date, a temporal phrase in the value
		// itself can still date the fact.
		factDate := c.FactDate
		if factDate == "" {
			factDate = c.Value
		}
		in, err := o.factInput(ctx, c.Key, c.Value, c.Confidence, c.Sensitivity, c.TTLDays, factDate)
		if err != nil {
			return "", 0, err
		}
		f, err := o.DB.ConfirmFact(userID, in)
		if err != nil {
			return "", 0, err
		}
		return fmt.Sprintf("stored confirmed fact %q", f.Key), 0, nil

	case ProposeEpisodicCall:
		in, err := o.episodicInput(ctx, c.Text, c.Confidence, c.OccurredAt, c.Location)
		if err != nil {
			return "", 0, err
		}
		m, err := o.DB.ProposeEpisodic(userID, in)
		if err != nil {
			return "", 0, err
		}
		return "stored candidate memory " + m.ID, 0, nil

	case ConfirmEpisodicCall:
		in, err := o.episodicInput(ctx, c.Text, c.Confidence, c.OccurredAt, c.Location)
		if err != nil {
			return "", 0, err
		}
		m, err := o.DB.ConfirmEpisodic(userID, in)
		if err != nil {
			return "", 0, err
		}
		return "stored confirmed memory " + m.ID, 0, nil

	case SearchMemoryCall:
		limit := c.Limit
		if limit <= 0 {
			limit = 5
		}
		hits, err := engine.Search(ctx, o.DB, o.Embedder, userID, c.Query, limit)
		if err != nil {
			return "", 0, err
		}
		o.recordRecalls(userID, hits)
		if len(hits) == 0 {
			return "no memories matched", 0, nil
		}
		var b strings.Builder
		for _, h := range hits {
			fmt.Fprintf(&b, "- [%s] %s\n", h.Source, h.Text)
		}
		return b.String(), len(hits), nil

	case ProposeRuleCall:
		vec, err := o.Embedder.Embed(ctx, strings.TrimSpace(c.Action+" "+c.Condition+" "+c.Context))
		if err != nil {
			return "", 0, fmt.Errorf("embed rule: %w", err)
		}
		r, err := o.DB.ProposeRule(userID, store.RuleInput{
			RuleType:   c.RuleType,
			Action:     c.Action,
			Condition:  c.Condition,
			Context:    c.Context,
			Confidence: c.Confidence,
			Frequency:  c.Frequency,
			Importance: c.Importance,
			Embedding:  vec,
		})
		if err != nil {
			return "", 0, err
		}
		return "stored rule " + r.ID, 0, nil

	default:
		return "", 0, fmt.Errorf("unhandled call type %T", call)
	}
}

// factInput embeds the fact text and resolves an optional fact_date
// string to a timestamp.
func (o *Orchestrator) factInput(ctx context.Context, key, value string, confidence float64, sensitivity string, ttlDays *int, factDate string) (store.FactInput, error) {
	vec, err := o.Embedder.Embed(ctx, key+": "+value)
	if err != nil {
		return store.FactInput{}, fmt.Errorf("embed fact: %w", err)
	}

	in := store.FactInput{
		Key:         key,
		Value:       value,
		Confidence:  confidence,
		Sensitivity: sensitivity,
		TTLDays:     ttlDays,
		Embedding:   vec,
	}
	if factDate != "" {
		if res := o.Resolver.Resolve(factDate, time.Now()); res.Date != nil {
			ms := res.Date.UnixMilli()
			in.FactDate = &ms
		}
	}
	return in, nil
}

// episodicInput resolves any temporal phrase in the text, strips it,
// and embeds the cleaned text. An explicit occurred_at only applies
// when the text itself carries no phrase.
func (o *Orchestrator) episodicInput(ctx context.Context, text string, confidence float64, occurredAt, location string) (store.EpisodicInput, error) {
	now := time.Now()
	res := o.Resolver.Resolve(text, now)

	cleaned := res.CleanedText
	if cleaned == "" {
		cleaned = text
	}

	var occurred *int64
	if res.Date != nil {
		ms := res.Date.UnixMilli()
		occurred = &ms
	} else if occurredAt != "" {
		if r := o.Resolver.Resolve(occurredAt, now); r.Date != nil {
			ms := r.Date.UnixMilli()
			occurred = &ms
		}
	}

	vec, err := o.Embedder.Embed(ctx, cleaned)
	if err != nil {
		return store.EpisodicInput{}, fmt.Errorf("embed memory: %w", err)
	}

	return store.EpisodicInput{
		Text:       cleaned,
		Confidence: confidence,
		OccurredAt: occurred,
		Location:   location,
		Embedding:  vec,
	}, nil
}

// assembleContext gathers the three context sources concurrently:
// confirmed facts, retrieval hits for the incoming message, and active
// rules. Every source is fatal on error, including the embedding call
// inside retrieval. An empty hit list is fine; a failed one is not.
func (o *Orchestrator) assembleContext(ctx context.Context, userID, message string) (string, error) {
	var (
		wg       sync.WaitGroup
		facts    []store.Fact
		factsErr error
		hits     []engine.RankedResult
		hitsErr  error
		rules    []store.ProceduralRule
		rulesErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		facts, factsErr = o.DB.ListConfirmedFacts(userID)
	}()
	go func() {
		defer wg.Done()
		limit := o.ContextHits
		if limit <= 0 {
			limit = 5
		}
		hits, hitsErr = engine.Search(ctx, o.DB, o.Embedder, userID, message, limit)
	}()
	go func() {
		defer wg.Done()
		rules, rulesErr = o.DB.ListRules(userID)
	}()
	wg.Wait()

	if factsErr != nil {
		return "", fmt.Errorf("load facts: %w", factsErr)
	}
	if hitsErr != nil {
		return "", fmt.Errorf("context retrieval: %w", hitsErr)
	}
	if rulesErr != nil {
		return "", fmt.Errorf("load rules: %w", rulesErr)
	}

	hits = trusted(hits)
	o.recordRecalls(userID, hits)

	return contextBlock(facts, hits, rules), nil
}

// trusted filters retrieval hits down to what the model may treat as
// true: confirmed facts and memories a human has stated or confirmed.
// Search itself is status-agnostic; the trust cut happens here.
func trusted(hits []engine.RankedResult) []engine.RankedResult {
	out := hits[:0]
	for _, h := range hits {
		switch h.Source {
		case engine.SourceFact:
			if h.Fact.Status != store.StatusConfirmed {
				continue
			}
		case engine.SourceEpisodic:
			if h.Episodic.ProvenanceKind == store.ProvenanceAIProposed {
				continue
			}
		}
		out = append(out, h)
	}
	return out
}

// recordRecalls bumps recall bookkeeping for hits handed to the model.
// Best effort: a failed stamp never fails the turn.
func (o *Orchestrator) recordRecalls(userID string, hits []engine.RankedResult) {
	for _, h := range hits {
		var err error
		switch h.Source {
		case engine.SourceFact:
			err = o.DB.RecordFactRecall(userID, h.Fact.ID)
		case engine.SourceEpisodic:
			_, err = o.DB.RecordEpisodicRecall(userID, h.Episodic.ID, nil)
		}
		if err != nil {
			log.Printf("record recall: %v", err)
		}
	}
}

func contextBlock(facts []store.Fact, hits []engine.RankedResult, rules []store.ProceduralRule) string {
	var b strings.Builder

	b.WriteString("Profile facts:\n")
	if len(facts) == 0 {
		b.WriteString("(none yet)\n")
	}
	for _, f := range facts {
		fmt.Fprintf(&b, "- %s: %s\n", f.Key, f.Value)
	}

	b.WriteString("\nRelevant memories:\n")
	if len(hits) == 0 {
		b.WriteString("(none)\n")
	}
	for _, h := range hits {
		line := h.Text
		if h.Source == engine.SourceEpisodic && h.Episodic.OccurredAt != nil {
			when := time.UnixMilli(*h.Episodic.OccurredAt).Format("2006-01-02")
			line = fmt.Sprintf("%s (%s)", h.Text, when)
		}
		fmt.Fprintf(&b, "- [%s] %s\n", h.Source, line)
	}

	b.WriteString("\nBehavioral rules:\n")
	if len(rules) == 0 {
		b.WriteString("(none)\n")
	}
	for _, r := range rules {
		line := r.Action
		if r.Condition != "" {
			line = "when " + r.Condition + ", " + r.Action
		}
		fmt.Fprintf(&b, "- [%s] %s\n", r.RuleType, line)
	}

	return strings.TrimRight(b.String(), "\n")
}
