package llm

import (
	"context"
	"encoding/json"
)

// ToolDef describes one tool exposed to the model as a JSON Schema.
type ToolDef struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// ToolUse is a single tool invocation emitted by the model.
type ToolUse struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the short confirmation or error string fed back to the
// model for one tool call.
type ToolResult struct {
	ID      string
	Content string
	IsError bool
}

// Turn is the assistant's first-pass response: any leading text plus the
// tool calls it requested. The provider keeps what it needs to rebuild
// the conversation for the second pass.
type Turn struct {
	Text     string
	ToolUses []ToolUse

	raw   any
	tools []ToolDef
}

// Client is the interface for chat-model providers.
type Client interface {
	// Respond runs the first pass: system + user message + tool schema.
	// The model may request zero or more tool calls.
	Respond(ctx context.Context, system, user string, tools []ToolDef) (*Turn, error)

	// StreamReply runs the second pass: the first-pass turn plus one
	// result per tool call, streaming the model's reply through onChunk.
	// Returns the full reply text.
	StreamReply(ctx context.Context, system, user string, turn *Turn, results []ToolResult, onChunk func(string)) (string, error)
}
