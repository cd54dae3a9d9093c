package llm

import "context"

// MockClient is a test double for the Client interface. It can also be
// used for dry-run mode.
type MockClient struct {
	Turn       *Turn  // returned by Respond
	Reply      string // streamed by StreamReply
	RespondErr error
	StreamErr  error

	Prompts []string     // records user messages sent
	Fed     []ToolResult // records tool results fed back
}

// NewMockTurn builds a Turn as if the model had emitted the given tool
// calls, for wiring into a MockClient.
func NewMockTurn(text string, uses ...ToolUse) *Turn {
	return &Turn{Text: text, ToolUses: uses}
}

// Respond records the call and returns the canned turn.
func (m *MockClient) Respond(_ context.Context, _, user string, _ []ToolDef) (*Turn, error) {
	m.Prompts = append(m.Prompts, user)
	if m.RespondErr != nil {
		return nil, m.RespondErr
	}
	if m.Turn != nil {
		return m.Turn, nil
	}
	return &Turn{}, nil
}

// StreamReply records the tool results and streams the canned reply as
// a single chunk.
func (m *MockClient) StreamReply(_ context.Context, _, _ string, _ *Turn, results []ToolResult, onChunk func(string)) (string, error) {
	m.Fed = append(m.Fed, results...)
	if m.StreamErr != nil {
		return "", m.StreamErr
	}
	if onChunk != nil && m.Reply != "" {
		onChunk(m.Reply)
	}
	return m.Reply, nil
}
