// Package llm defines the provider capability the feedback loop talks
// to, plus the concrete OpenAI-compatible, Ollama and Anthropic
// backends.
package llm

import (
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported by providers.
const (
	FinishStop          = "stop"
	FinishToolCalls     = "tool_calls"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
)

// Message is a single conversation turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // Only for role=tool
}

// ToolCall is a model-issued request to invoke a named tool.
// Arguments holds the raw JSON text exactly as the provider sent it;
// it may be malformed and is cleaned up before parsing.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	// Index is the stream position of this call. It is only meaningful
	// while fragments are being accumulated.
	Index int `json:"-"`
}

// HasToolCalls reports whether the message requests any tools.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// ToolSchema is a tool definition in OpenAI function format.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is what the loop sends to a provider.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	Temperature *float64
	MaxTokens   int
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at provider boundaries.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string

	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// ToolCallDelta is a partial tool call fragment from a stream.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// ChatDelta is one incremental fragment of a streamed response. The
// terminal delta carries a FinishReason.
type ChatDelta struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string

	// Usage is populated on the final delta when the provider reports it.
	InputTokens  int
	OutputTokens int
}

// ToolNames returns the function names of the calls, in order.
func ToolNames(calls []ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

// LastUserMessage returns the index of the most recent user message or -1.
func LastUserMessage(messages []Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser && strings.TrimSpace(messages[i].Content) != "" {
			return i
		}
	}
	return -1
}
