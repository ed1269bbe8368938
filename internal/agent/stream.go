package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/loopgate/internal/llm"
)

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text fragment for the caller.
	KindToken StreamEventKind = iota

	// KindProgress announces a tool about to run. Token holds the text.
	KindProgress

	// KindToolDone fires when a tool execution completes.
	KindToolDone

	// KindDone signals the stream is complete. Response carries the
	// final result.
	KindDone
)

// StreamEvent is one event delivered to a StreamCallback. Consumers
// switch on Kind to determine which fields are set.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken and KindProgress events.
	Token string

	// ToolCall is set for KindProgress events.
	ToolCall *llm.ToolCall

	// Result is set for KindToolDone events.
	Result *ToolResult

	// Response is set for KindDone events.
	Response *Response
}

// StreamCallback receives stream events in order on the request's
// goroutine.
type StreamCallback func(event StreamEvent)

// RunStream is Run for callers that want incremental output. Model text
// is forwarded as KindToken events while it streams, tools are
// announced with KindProgress and KindToolDone, and KindDone closes the
// stream. The returned Response matches the one in KindDone.
func (l *Loop) RunStream(ctx context.Context, req *Request, cb StreamCallback) (*Response, error) {
	if cb == nil {
		cb = func(StreamEvent) {}
	}
	return l.run(ctx, req, cb)
}

// ProgressText is the caller-visible line announcing a tool.
func ProgressText(toolName string) string {
	return fmt.Sprintf("Running tool: `%s`", toolName)
}

func emitToken(cb StreamCallback, separate bool, text string) {
	if separate {
		text = "\n\n" + text
	}
	cb(StreamEvent{Kind: KindToken, Token: text})
}

func streamHooks(cb StreamCallback) *BatchHooks {
	if cb == nil {
		return nil
	}
	return &BatchHooks{
		BeforeTool: func(call llm.ToolCall) {
			c := call
			cb(StreamEvent{Kind: KindProgress, Token: ProgressText(call.Name), ToolCall: &c})
		},
		AfterTool: func(res ToolResult) {
			r := res
			cb(StreamEvent{Kind: KindToolDone, Result: &r})
		},
	}
}

// streamTurn performs one streamed provider call and folds its deltas
// into a complete response. When the stream ends with a tool_calls
// finish but carried no tool-call fragments, exactly one non-streaming
// call with the same request recovers the calls.
func (l *Loop) streamTurn(ctx context.Context, req *llm.ChatRequest, cb StreamCallback, log *slog.Logger, separate bool) (*llm.ChatResponse, error) {
	stream, err := l.provider.InvokeStreaming(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var (
		acc     Accumulator
		content strings.Builder
		finish  string
		in, out int
	)
	for stream.Next() {
		d := stream.Current()
		if d.Content != "" {
			emitToken(cb, separate && content.Len() == 0, d.Content)
			content.WriteString(d.Content)
		}
		for _, tc := range d.ToolCalls {
			acc.Add(tc)
		}
		if d.FinishReason != "" {
			finish = d.FinishReason
		}
		if d.InputTokens > 0 {
			in = d.InputTokens
		}
		if d.OutputTokens > 0 {
			out = d.OutputTokens
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	resp := &llm.ChatResponse{
		Model: req.Model,
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			Content:   content.String(),
			ToolCalls: acc.ToolCalls(),
		},
		FinishReason: finish,
		InputTokens:  in,
		OutputTokens: out,
	}

	if finish != llm.FinishToolCalls || acc.Len() > 0 {
		return resp, nil
	}

	log.Warn("stream announced tool calls without payload, fetching complete response",
		"model", req.Model,
		"streamed_bytes", content.Len(),
	)
	full, err := l.provider.Invoke(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("supplementary call: %w", err)
	}

	resp.Message.ToolCalls = full.Message.ToolCalls
	if full.FinishReason != "" {
		resp.FinishReason = full.FinishReason
	}
	if resp.Message.Content == "" && full.Message.Content != "" {
		resp.Message.Content = full.Message.Content
		emitToken(cb, separate, full.Message.Content)
	}
	resp.InputTokens += full.InputTokens
	resp.OutputTokens += full.OutputTokens
	if full.Model != "" {
		resp.Model = full.Model
	}
	return resp, nil
}
