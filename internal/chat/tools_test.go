package chat

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseCallValid(t *testing.T) {
	call, err := ParseCall(ToolConfirmFact, json.RawMessage(`{"key":"home_city","value":"Lisbon","confidence":0.95}`))
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	c, ok := call.(ConfirmFactCall)
	if !ok {
		t.Fatalf("call type = %T, want ConfirmFactCall", call)
	}
	if c.Key != "home_city" || c.Value != "Lisbon" || c.Confidence != 0.95 {
		t.Errorf("call = %+v", c)
	}
}

func TestParseCallMissingFields(t *testing.T) {
	cases := []struct {
		name string
		args string
	}{
		{ToolProposeFact, `{"value":"v"}`},
		{ToolProposeFact, `{"key":"k"}`},
		{ToolConfirmFact, `{}`},
		{ToolProposeEpisodic, `{"confidence":0.5}`},
		{ToolConfirmEpisodic, `{}`},
		{ToolSearchMemory, `{"limit":3}`},
		{ToolProposeRule, `{"action":"runs"}`},
		{ToolProposeRule, `{"rule_type":"habit"}`},
	}
	for _, c := range cases {
		if _, err := ParseCall(c.name, json.RawMessage(c.args)); !errors.Is(err, ErrMissingField) {
			t.Errorf("ParseCall(%s, %s): err = %v, want ErrMissingField", c.name, c.args, err)
		}
	}
}

func TestParseCallMalformedJSON(t *testing.T) {
	// Malformed arguments behave like empty arguments.
	_, err := ParseCall(ToolProposeFact, json.RawMessage(`{"key": "unterminated`))
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("err = %v, want ErrMissingField", err)
	}

	// A tool with no required fields beyond those present still parses.
	call, err := ParseCall(ToolSearchMemory, json.RawMessage(`{"query":"trips","limit":3}`))
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	if c := call.(SearchMemoryCall); c.Limit != 3 {
		t.Errorf("Limit = %d, want 3", c.Limit)
	}
}

func TestParseCallUnknownTool(t *testing.T) {
	if _, err := ParseCall("delete_everything", json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestToolDefsCoverAllTools(t *testing.T) {
	defs := ToolDefs()
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
		if len(d.Required) == 0 {
			t.Errorf("tool %s has no required fields", d.Name)
		}
		for _, req := range d.Required {
			if _, ok := d.Properties[req]; !ok {
				t.Errorf("tool %s: required field %q missing from properties", d.Name, req)
			}
		}
	}
	for _, want := range []string{ToolProposeFact, ToolConfirmFact, ToolProposeEpisodic, ToolConfirmEpisodic, ToolSearchMemory, ToolProposeRule} {
		if !names[want] {
			t.Errorf("tool %s missing from defs", want)
		}
	}
}
