package llm

import (
	"context"
)

// Gateway streams chat completion chunks for a request.
type Gateway interface {
	Name() string
	Capabilities() Capabilities
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Capabilities describe optional gateway features.
type Capabilities struct {
	ToolCalls bool // Native function calling; false means the host falls back to ReAct prompting
}

// Stream yields chunks until io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Request represents a single chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float32
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one conversation entry. Tool-role messages carry the id of the
// call they answer in ToolCallID; assistant messages that request tools carry
// them in ToolCalls.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"` // tool name on tool-role messages
}

// ToolCallType is the only call type providers emit today.
const ToolCallType = "function"

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string       `json:"id"`
	Type      string       `json:"type"`
	Function  FunctionCall `json:"function"`
	Signature []byte       `json:"signature,omitempty"` // Gemini thought signature, passed back verbatim
}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes a callable tool in provider-neutral form.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Chunk is one incremental piece of a streamed completion.
type Chunk struct {
	Text         string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Usage        *Usage
}

// ToolCallDelta is a raw, unaccumulated fragment of a tool call. Only the first
// delta of a call is guaranteed to carry ID and Name; later ones usually carry
// only an Arguments fragment.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	Signature []byte
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
