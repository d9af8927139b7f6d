// Package agent implements the real executor: an LLM-driven agent loop over
// the workspace file tools, with provider retry and fallback.
package agent

import "context"

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChunkType discriminates streaming chunks.
type ChunkType string

// Chunk types.
const (
	ChunkText    ChunkType = "text"
	ChunkToolUse ChunkType = "tool_use"
	ChunkUsage   ChunkType = "usage"
	ChunkStop    ChunkType = "stop"
)

// TokenUsage is the provider-reported token accounting of one turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input + output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// ToolUse is one tool invocation emitted by the model.
type ToolUse struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ToolResult carries the outcome of a tool invocation back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one conversation turn. The executor persists the full slice as
// the session's conversation blob.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolUses    []ToolUse    `json:"tool_uses,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDefinition describes a tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one streaming completion request.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// Chunk is one streaming event. Exactly one payload field is set, matching
// Type.
type Chunk struct {
	Type       ChunkType
	Text       string
	ToolUse    *ToolUse
	Usage      *TokenUsage
	StopReason string
}

// Streamer yields chunks until io.EOF.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// LLMClient streams completions from one provider.
type LLMClient interface {
	Stream(ctx context.Context, req *Request) (Streamer, error)
}
