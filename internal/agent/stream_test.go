package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/loopgate/internal/llm"
	"github.com/nugget/loopgate/internal/tools"
)

type eventLog struct {
	events []StreamEvent
}

func (e *eventLog) cb(ev StreamEvent) { e.events = append(e.events, ev) }

func (e *eventLog) tokens() string {
	var sb strings.Builder
	for _, ev := range e.events {
		if ev.Kind == KindToken {
			sb.WriteString(ev.Token)
		}
	}
	return sb.String()
}

func (e *eventLog) kinds() []StreamEventKind {
	out := make([]StreamEventKind, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Kind
	}
	return out
}

func TestRunStream_ForwardsTokens(t *testing.T) {
	p := &scriptedProvider{streams: [][]llm.ChatDelta{{
		{Content: "Hel"},
		{Content: "lo"},
		{FinishReason: llm.FinishStop, InputTokens: 7, OutputTokens: 2},
	}}}
	l := newTestLoop(p, okExecutor("unused"), Budget{})

	var log eventLog
	resp, err := l.RunStream(context.Background(), userReq("hi"), log.cb)
	require.NoError(t, err)

	assert.Equal(t, []StreamEventKind{KindToken, KindToken, KindDone}, log.kinds())
	assert.Equal(t, "Hello", log.tokens())
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, 7, resp.InputTokens)
	assert.Same(t, resp, log.events[2].Response)
	assert.Equal(t, 0, p.invokes())
}

func TestRunStream_FragmentedToolCalls(t *testing.T) {
	p := &scriptedProvider{streams: [][]llm.ChatDelta{
		{
			{Content: "Let me look."},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_1", Name: "read_file"}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `{"path":`}}},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `"/tmp/x.txt"}`}}},
			{FinishReason: llm.FinishToolCalls},
		},
		{
			{Content: "The file contains: hello"},
			{FinishReason: llm.FinishStop},
		},
	}}
	exec := okExecutor("hello")
	l := newTestLoop(p, exec, Budget{})

	var log eventLog
	resp, err := l.RunStream(context.Background(), userReq("Read /tmp/x.txt"), log.cb)
	require.NoError(t, err)

	assert.Equal(t, 0, p.invokes(), "complete fragments need no supplementary call")
	require.Equal(t, 1, exec.count())
	path, _ := exec.calls[0].args.String("path")
	assert.Equal(t, "/tmp/x.txt", path)

	assert.Equal(t, []StreamEventKind{KindToken, KindProgress, KindToolDone, KindToken, KindDone}, log.kinds())
	assert.Equal(t, "Running tool: `read_file`", log.events[1].Token)
	assert.Equal(t, "call_1", log.events[1].ToolCall.ID)
	assert.True(t, log.events[2].Result.Success)
	assert.Equal(t, "Let me look.\n\nThe file contains: hello", log.tokens())
	assert.Equal(t, "Let me look.\n\nThe file contains: hello", resp.Content)
	assert.True(t, resp.Records[0].Timestamp.Before(resp.Records[1].Timestamp) ||
		resp.Records[0].Timestamp.Equal(resp.Records[1].Timestamp))
}

func TestRunStream_SupplementaryCallWhenPayloadMissing(t *testing.T) {
	p := &scriptedProvider{
		streams: [][]llm.ChatDelta{
			{
				{Content: "Checking."},
				{FinishReason: llm.FinishToolCalls},
			},
			{
				{Content: "It says hello."},
				{FinishReason: llm.FinishStop},
			},
		},
		responses: []*llm.ChatResponse{
			toolResp("Checking.", llm.ToolCall{ID: "call_9", Name: "read_file", Arguments: `{"path":"/tmp/x.txt"}"`}),
		},
	}

	var invokesAtExec []int
	exec := &recordingExecutor{fn: func(string, tools.Args) (tools.Result, error) {
		invokesAtExec = append(invokesAtExec, p.invokeCalls)
		return tools.Result{Success: true, Content: "hello"}, nil
	}}
	l := newTestLoop(p, exec, Budget{})

	var log eventLog
	resp, err := l.RunStream(context.Background(), userReq("Read /tmp/x.txt"), log.cb)
	require.NoError(t, err)

	assert.Equal(t, 1, p.invokes(), "exactly one supplementary call")
	assert.Equal(t, []int{1}, invokesAtExec, "supplementary call happens before any tool runs")
	assert.Equal(t, 2, p.streamCalls)

	// The supplementary call used the identical context.
	require.Len(t, p.requests, 3)
	assert.Equal(t, p.requests[0], p.requests[1])

	path, _ := exec.calls[0].args.String("path")
	assert.Equal(t, "/tmp/x.txt", path)

	assert.Equal(t, "Checking.\n\nIt says hello.", log.tokens())
	assert.Equal(t, "Checking.\n\nIt says hello.", resp.Content)
	assert.Equal(t, TerminationCompleted, resp.Termination)
}

func TestRunStream_SupplementaryRevealsNoTools(t *testing.T) {
	p := &scriptedProvider{
		streams: [][]llm.ChatDelta{{
			{FinishReason: llm.FinishToolCalls},
		}},
		responses: []*llm.ChatResponse{textResp("Nothing to do.")},
	}
	exec := okExecutor("unused")
	l := newTestLoop(p, exec, Budget{})

	var log eventLog
	resp, err := l.RunStream(context.Background(), userReq("hi"), log.cb)
	require.NoError(t, err)

	assert.Equal(t, 1, p.invokes())
	assert.Equal(t, 0, exec.count())
	assert.Equal(t, "Nothing to do.", log.tokens())
	assert.Equal(t, "Nothing to do.", resp.Content)
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
}

func TestRunStream_FillerAndDiagnosticAreStreamed(t *testing.T) {
	p := &scriptedProvider{streams: [][]llm.ChatDelta{
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "a", Name: "t", Arguments: "{}"}}},
			{FinishReason: llm.FinishToolCalls},
		},
		{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "b", Name: "t", Arguments: "{}"}}},
			{FinishReason: llm.FinishToolCalls},
		},
	}}
	l := newTestLoop(p, okExecutor("ok"), Budget{MaxIterations: 1})

	var log eventLog
	resp, err := l.RunStream(context.Background(), userReq("go"), log.cb)
	require.NoError(t, err)

	assert.Equal(t, TerminationMaxIterations, resp.Termination)
	text := log.tokens()
	assert.Equal(t, "I'll help you with that.\n\n[Stopped after 1 tool rounds: iteration limit of 1 reached.]", text)
	assert.Equal(t, 1, resp.Iterations)
	assert.Equal(t, resp.Content, text)
}

func TestRunStream_ProviderStreamError(t *testing.T) {
	p := &scriptedProvider{err: &llm.ProviderError{Provider: "ollama", Message: "refused", Kind: llm.ErrProviderNetwork}}
	l := newTestLoop(p, okExecutor("ok"), Budget{})

	var log eventLog
	_, err := l.RunStream(context.Background(), userReq("hi"), log.cb)
	require.ErrorIs(t, err, llm.ErrProviderNetwork)
	assert.Empty(t, log.events)
}

func TestProgressText(t *testing.T) {
	assert.Equal(t, "Running tool: `list_dir`", ProgressText("list_dir"))
}
