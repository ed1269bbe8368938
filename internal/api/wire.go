package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nugget/loopgate/internal/llm"
)

// ChatMessage is a conversation turn in OpenAI Chat Completions format.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatToolCall is an assistant tool call as OpenAI clients send and
// receive it.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall names the function and carries its arguments.
type ChatFunctionCall struct {
	Name      string        `json:"name"`
	Arguments ArgumentsText `json:"arguments"`
}

// ArgumentsText is the raw JSON argument text of a tool call. OpenAI
// sends a JSON-encoded string; some clients send the object itself,
// which is kept as its compact JSON text.
type ArgumentsText string

// UnmarshalJSON accepts a string or any other JSON value.
func (a *ArgumentsText) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = ArgumentsText(s)
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	*a = ArgumentsText(buf.String())
	return nil
}

// MessageContent is message text. Requests may carry a plain string,
// null, or an array of content parts; text parts are joined with
// newlines and other part types are dropped. It always encodes as a
// string.
type MessageContent string

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UnmarshalJSON accepts a string, null, or an array of content parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = ""
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = MessageContent(s)
		return nil
	case data[0] == '[':
		var parts []contentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("content parts: %w", err)
		}
		var texts []string
		for _, p := range parts {
			if p.Type == "text" || (p.Type == "" && p.Text != "") {
				texts = append(texts, p.Text)
			}
		}
		*c = MessageContent(strings.Join(texts, "\n"))
		return nil
	default:
		return fmt.Errorf("content must be a string or an array of parts")
	}
}

// toLLMMessages converts client turns to the loop's message type.
// "developer" is OpenAI's newer name for the system role.
func toLLMMessages(msgs []ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role == "developer" {
			role = llm.RoleSystem
		}
		msg := llm.Message{
			Role:       role,
			Content:    string(m.Content),
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: string(tc.Function.Arguments),
			})
		}
		out = append(out, msg)
	}
	return out
}

// fromLLMMessage renders a loop message in client format.
func fromLLMMessage(m llm.Message) ChatMessage {
	out := ChatMessage{
		Role:       m.Role,
		Content:    MessageContent(m.Content),
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ChatToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: ChatFunctionCall{
				Name:      tc.Name,
				Arguments: ArgumentsText(tc.Arguments),
			},
		})
	}
	return out
}
