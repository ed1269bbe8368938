package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnthropicTestProvider(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAnthropicProvider("claude", srv.URL, "sk-ant-test", srv.Client(), discardLogger())
}

func TestAnthropicProvider_InvokeToolUse(t *testing.T) {
	var gotBody anthropicRequest
	p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"stop_reason": "tool_use",
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "read_file", "input": {"path": "a.txt"}}
			],
			"usage": {"input_tokens": 30, "output_tokens": 9}
		}`)
	})

	resp, err := p.Invoke(context.Background(), &ChatRequest{
		Model: "claude-test",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "read a.txt"},
		},
		Tools: []ToolSchema{{Name: "read_file", Description: "Read a file", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "be brief", gotBody.System)
	assert.Equal(t, anthropicMaxTokens, gotBody.MaxTokens)
	require.Len(t, gotBody.Tools, 1)
	assert.Equal(t, "read_file", gotBody.Tools[0].Name)
	assert.Len(t, gotBody.Messages, 1)

	assert.Equal(t, "claude-test", resp.Model)
	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	assert.Equal(t, "Checking.", resp.Message.Content)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "read_file", resp.Message.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"a.txt"}`, resp.Message.ToolCalls[0].Arguments)
	assert.Equal(t, 30, resp.InputTokens)
	assert.Equal(t, 9, resp.OutputTokens)
}

func TestAnthropicProvider_Streaming(t *testing.T) {
	p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":25,"output_tokens":1}}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"look."}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"list_dir"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
			`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\".\"}"}}`,
			`{"type":"content_block_stop","index":1}`,
			`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":14}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			var probe struct {
				Type string `json:"type"`
			}
			require.NoError(t, json.Unmarshal([]byte(e), &probe))
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", probe.Type, e)
		}
	})

	stream, err := p.InvokeStreaming(context.Background(), &ChatRequest{
		Model:    "claude-test",
		Messages: []Message{{Role: RoleUser, Content: "list"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var content string
	var args string
	var final ChatDelta
	var ids []string
	for stream.Next() {
		d := stream.Current()
		content += d.Content
		for _, tc := range d.ToolCalls {
			assert.Equal(t, 0, tc.Index)
			if tc.ID != "" {
				ids = append(ids, tc.ID)
			}
			args += tc.Arguments
		}
		if d.FinishReason != "" {
			final = d
		}
	}
	require.NoError(t, stream.Err())

	assert.Equal(t, "Let me look.", content)
	assert.Equal(t, []string{"toolu_9"}, ids)
	assert.JSONEq(t, `{"path":"."}`, args)
	assert.Equal(t, FinishToolCalls, final.FinishReason)
	assert.Equal(t, 25, final.InputTokens)
	assert.Equal(t, 14, final.OutputTokens)
}

func TestAnthropicProvider_StreamErrorEvent(t *testing.T) {
	p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	})

	stream, err := p.InvokeStreaming(context.Background(), &ChatRequest{
		Model:    "claude-test",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	for stream.Next() {
	}
	err = stream.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderNetwork))
	assert.Contains(t, err.Error(), "overloaded_error")
}

func TestAnthropicProvider_AuthError(t *testing.T) {
	p := newAnthropicTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"type":"error","error":{"type":"authentication_error"}}`, http.StatusUnauthorized)
	})

	_, err := p.Invoke(context.Background(), &ChatRequest{
		Model:    "claude-test",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderAuth))

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "claude", pe.Provider)
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
}

func TestToAnthropicMessages(t *testing.T) {
	msgs, system := toAnthropicMessages([]Message{
		{Role: RoleSystem, Content: "rules"},
		{Role: RoleUser, Content: "do two things"},
		{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{
			{ID: "t1", Name: "a", Arguments: `{"x":1}`},
			{ID: "", Name: "b", Arguments: `{"y":2}"`},
		}},
		{Role: RoleTool, ToolCallID: "t1", Content: "one"},
		{Role: RoleTool, ToolCallID: "toolu_b_1", Content: "two"},
		{Role: RoleAssistant, Content: "done"},
	})

	assert.Equal(t, "rules", system)
	require.Len(t, msgs, 4)

	assert.Equal(t, RoleUser, msgs[0].Role)

	assert.Equal(t, RoleAssistant, msgs[1].Role)
	blocks, ok := msgs[1].Content.([]anthropicContent)
	require.True(t, ok)
	require.Len(t, blocks, 2)
	assert.JSONEq(t, `{"x":1}`, string(blocks[0].Input))
	assert.Equal(t, "toolu_b_1", blocks[1].ID)
	// Malformed arguments become an empty object.
	assert.JSONEq(t, `{}`, string(blocks[1].Input))

	// Both results share one user turn.
	assert.Equal(t, RoleUser, msgs[2].Role)
	results, ok := msgs[2].Content.([]anthropicContent)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.Equal(t, "t1", results[0].ToolUseID)
	assert.Equal(t, "two", results[1].Content)

	assert.Equal(t, RoleAssistant, msgs[3].Role)
	assert.Equal(t, "done", msgs[3].Content)
}

func TestAnthropicFinish(t *testing.T) {
	assert.Equal(t, FinishToolCalls, anthropicFinish("tool_use", false))
	assert.Equal(t, FinishToolCalls, anthropicFinish("end_turn", true))
	assert.Equal(t, FinishLength, anthropicFinish("max_tokens", false))
	assert.Equal(t, FinishStop, anthropicFinish("end_turn", false))
}
