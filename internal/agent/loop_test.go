package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/loopgate/internal/events"
	"github.com/nugget/loopgate/internal/llm"
	"github.com/nugget/loopgate/internal/tools"
	"github.com/nugget/loopgate/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedProvider returns pre-configured responses in sequence and
// records each request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	streams   [][]llm.ChatDelta
	err       error

	invokeCalls int
	streamCalls int
	requests    [][]llm.Message
}

func (p *scriptedProvider) snapshot(req *llm.ChatRequest) {
	p.requests = append(p.requests, append([]llm.Message(nil), req.Messages...))
}

func (p *scriptedProvider) Invoke(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot(req)
	if p.err != nil {
		return nil, p.err
	}
	if p.invokeCalls >= len(p.responses) {
		return nil, fmt.Errorf("scriptedProvider: no more responses (call %d)", p.invokeCalls)
	}
	resp := p.responses[p.invokeCalls]
	p.invokeCalls++
	return resp, nil
}

func (p *scriptedProvider) InvokeStreaming(_ context.Context, req *llm.ChatRequest) (llm.DeltaStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot(req)
	if p.err != nil {
		return nil, p.err
	}
	if p.streamCalls >= len(p.streams) {
		return nil, fmt.Errorf("scriptedProvider: no more streams (call %d)", p.streamCalls)
	}
	deltas := p.streams[p.streamCalls]
	p.streamCalls++
	return llm.NewSliceStream(deltas, nil), nil
}

func (p *scriptedProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invokeCalls + p.streamCalls
}

func (p *scriptedProvider) invokes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invokeCalls
}

type execCall struct {
	name string
	args tools.Args
}

// recordingExecutor records every call and delegates to fn.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []execCall
	fn    func(name string, args tools.Args) (tools.Result, error)
}

func (e *recordingExecutor) Execute(_ context.Context, name string, args tools.Args) (tools.Result, error) {
	e.mu.Lock()
	e.calls = append(e.calls, execCall{name: name, args: args})
	e.mu.Unlock()
	return e.fn(name, args)
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type fakeSleeper struct {
	mu         sync.Mutex
	delays     []time.Duration
	afterCalls []int
	exec       *recordingExecutor
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	if f.exec != nil {
		f.afterCalls = append(f.afterCalls, f.exec.count())
	}
	return ctx.Err()
}

type fakeRecorder struct {
	recs []usage.Record
}

func (r *fakeRecorder) Record(_ context.Context, rec usage.Record) error {
	r.recs = append(r.recs, rec)
	return nil
}

func textResp(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		FinishReason: llm.FinishStop,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func toolResp(content string, calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: calls},
		FinishReason: llm.FinishToolCalls,
		InputTokens:  10,
		OutputTokens: 5,
	}
}

func userReq(text string) *Request {
	return &Request{
		RequestID: "req_test",
		Model:     "test-model",
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: text}},
	}
}

func newTestLoop(p llm.Provider, exec ToolExecutor, budget Budget, opts ...func(*Config)) *Loop {
	cfg := Config{
		Logger:       discardLogger(),
		Provider:     p,
		Tools:        exec,
		DefaultModel: "test-model",
		Budget:       budget,
		Sleeper:      (&fakeSleeper{}).Sleep,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return NewLoop(cfg)
}

func TestLoop_NoToolCallsSingleProviderCall(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{textResp("8")}}
	exec := okExecutor("unused")
	l := newTestLoop(p, exec, Budget{})

	resp, err := l.Run(context.Background(), userReq("What is 4+4?"))
	require.NoError(t, err)

	assert.Equal(t, "8", resp.Content)
	assert.Equal(t, TerminationCompleted, resp.Termination)
	assert.Equal(t, 0, resp.Iterations)
	assert.Equal(t, llm.FinishStop, resp.FinishReason)
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "8", resp.Records[0].Content)
	assert.Equal(t, 1, p.totalCalls())
	assert.Equal(t, 0, exec.count())
}

func TestLoop_ReadFileEndToEnd(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResp("", llm.ToolCall{ID: "call_1", Name: "read_file", Arguments: `{"path":"/tmp/x.txt"}`}),
		textResp("The file contains: hello"),
	}}

	reg := tools.NewRegistry()
	var gotPath string
	reg.Register(&tools.Tool{
		Name: "read_file",
		Handler: func(_ context.Context, args tools.Args) (string, error) {
			gotPath, _ = args.String("path")
			return "hello", nil
		},
	})

	var decoupled []string
	req := userReq("Read /tmp/x.txt")
	req.OnDecoupled = func(text string) { decoupled = append(decoupled, text) }

	l := newTestLoop(p, reg, Budget{})
	resp, err := l.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/x.txt", gotPath)
	assert.Equal(t, "I'll help you with that.\n\nThe file contains: hello", resp.Content)
	assert.Equal(t, []string{"I'll help you with that."}, decoupled)
	assert.Equal(t, TerminationCompleted, resp.Termination)
	assert.Equal(t, 1, resp.Iterations)
	assert.Equal(t, 1, resp.ToolCalls)
	assert.Equal(t, 2, p.totalCalls())

	require.Len(t, resp.Records, 2)
	assert.Equal(t, []string{"read_file"}, resp.Records[0].ToolNames)

	// The continuation call sees the assistant directive and its result.
	cont := p.requests[1]
	require.Len(t, cont, 3)
	assert.Equal(t, llm.RoleAssistant, cont[1].Role)
	assert.Equal(t, "call_1", cont[1].ToolCalls[0].ID)
	assert.Equal(t, llm.Message{Role: llm.RoleTool, Content: "hello", ToolCallID: "call_1"}, cont[2])
}

func TestLoop_KRoundsMakeKPlusOneCalls(t *testing.T) {
	for _, k := range []int{1, 2, 5, 10} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			var responses []*llm.ChatResponse
			for i := range k {
				responses = append(responses, toolResp(fmt.Sprintf("round %d", i),
					llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "t", Arguments: `{}`}))
			}
			responses = append(responses, textResp("done"))

			p := &scriptedProvider{responses: responses}
			l := newTestLoop(p, okExecutor("ok"), Budget{MaxIterations: 10})

			resp, err := l.Run(context.Background(), userReq("go"))
			require.NoError(t, err)
			assert.Equal(t, k+1, p.totalCalls())
			assert.Equal(t, k, resp.Iterations)
			assert.LessOrEqual(t, resp.Iterations, 10)
			assert.Equal(t, TerminationCompleted, resp.Termination)
			assert.True(t, strings.HasSuffix(resp.Content, "\n\ndone"))
			assert.True(t, strings.HasPrefix(resp.Content, "round 0\n\n"))
		})
	}
}

func TestLoop_MaxIterationsReached(t *testing.T) {
	var responses []*llm.ChatResponse
	for i := range 10 {
		responses = append(responses, toolResp("",
			llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "t", Arguments: `{}`}))
	}
	p := &scriptedProvider{responses: responses}
	exec := okExecutor("ok")
	l := newTestLoop(p, exec, Budget{MaxIterations: 2})

	resp, err := l.Run(context.Background(), userReq("loop forever"))
	require.NoError(t, err)

	assert.Equal(t, TerminationMaxIterations, resp.Termination)
	// Two rounds run; the third request for tools is refused.
	assert.Equal(t, 3, p.totalCalls())
	assert.Equal(t, 2, exec.count())
	assert.Equal(t, 2, resp.Iterations)
	assert.Equal(t, 2, resp.ToolCalls)
	assert.Equal(t, llm.FinishLength, resp.FinishReason)
	assert.Contains(t, resp.Content, "[Stopped after 2 tool rounds: iteration limit of 2 reached.]")
	assert.Equal(t, "I'll help you with that.\n\nI'll help you with that.\n\n[Stopped after 2 tool rounds: iteration limit of 2 reached.]", resp.Content)
}

func TestLoop_IterationsNeverExceedCap(t *testing.T) {
	for _, limit := range []int{1, 2, 5} {
		t.Run(fmt.Sprintf("max=%d", limit), func(t *testing.T) {
			var responses []*llm.ChatResponse
			for i := range limit + 3 {
				responses = append(responses, toolResp("Working.",
					llm.ToolCall{ID: fmt.Sprintf("call_%d", i), Name: "t", Arguments: `{}`}))
			}
			p := &scriptedProvider{responses: responses}
			exec := okExecutor("ok")
			l := newTestLoop(p, exec, Budget{MaxIterations: limit})

			resp, err := l.Run(context.Background(), userReq("keep going"))
			require.NoError(t, err)

			assert.Equal(t, TerminationMaxIterations, resp.Termination)
			assert.Equal(t, limit, resp.Iterations)
			assert.Equal(t, limit, exec.count())
			assert.Equal(t, limit+1, p.totalCalls())
		})
	}
}

func TestLoop_CapReachedButModelAnswers(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResp("", llm.ToolCall{ID: "a", Name: "t", Arguments: `{}`}),
		toolResp("", llm.ToolCall{ID: "b", Name: "t", Arguments: `{}`}),
		textResp("All done."),
	}}
	l := newTestLoop(p, okExecutor("ok"), Budget{MaxIterations: 2})

	resp, err := l.Run(context.Background(), userReq("two rounds"))
	require.NoError(t, err)
	assert.Equal(t, TerminationCompleted, resp.Termination)
	assert.Equal(t, 2, resp.Iterations)
	assert.Equal(t, 3, p.totalCalls())
}

func TestLoop_TokenBudgetHaltThenRefusal(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResp("Fetching both.",
			llm.ToolCall{ID: "a", Name: "big", Arguments: `{}`},
			llm.ToolCall{ID: "b", Name: "big", Arguments: `{}`}),
		toolResp("Need more.", llm.ToolCall{ID: "c", Name: "big", Arguments: `{}`}),
	}}
	exec := okExecutor(strings.Repeat("x", 800)) // 200 tokens
	l := newTestLoop(p, exec, Budget{MaxBatchResultTokens: 100})

	resp, err := l.Run(context.Background(), userReq("fetch"))
	require.NoError(t, err)

	assert.Equal(t, TerminationTokenBudget, resp.Termination)
	assert.Equal(t, 2, p.totalCalls())
	assert.Equal(t, 1, exec.count(), "second call of the halted batch must not run")
	assert.Contains(t, resp.Content, "Fetching both.")
	assert.Contains(t, resp.Content, "Need more.")
	assert.Contains(t, resp.Content, "tool result budget of 100 tokens was exhausted")

	// Every directive of the halted round is answered, in order.
	cont := p.requests[1]
	require.Len(t, cont, 4)
	assert.Equal(t, "a", cont[2].ToolCallID)
	assert.Contains(t, cont[2].Content, "0 of 2 tool results kept (1 executed)")
	assert.Equal(t, "b", cont[3].ToolCallID)
	assert.Contains(t, cont[3].Content, "not executed")
}

func TestLoop_BudgetHaltRoundStillContinues(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResp("", llm.ToolCall{ID: "a", Name: "big", Arguments: `{}`}),
		textResp("Partial answer."),
	}}
	l := newTestLoop(p, okExecutor(strings.Repeat("x", 800)), Budget{MaxBatchResultTokens: 100})

	resp, err := l.Run(context.Background(), userReq("fetch"))
	require.NoError(t, err)
	assert.Equal(t, TerminationCompleted, resp.Termination)
	assert.Equal(t, "I'll help you with that.\n\nPartial answer.", resp.Content)
}

func TestLoop_ProviderErrorIsTyped(t *testing.T) {
	authErr := &llm.ProviderError{Provider: "openai", StatusCode: 401, Message: "bad key", Kind: llm.ErrProviderAuth}
	p := &scriptedProvider{err: authErr}
	rec := &fakeRecorder{}
	l := newTestLoop(p, okExecutor("ok"), Budget{}, func(c *Config) { c.Recorder = rec })

	resp, err := l.Run(context.Background(), userReq("hi"))
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, llm.ErrProviderAuth)
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 401, pe.StatusCode)

	require.Len(t, rec.recs, 1)
	assert.Equal(t, "provider_error", rec.recs[0].Termination)
}

func TestLoop_ContinuationProviderErrorIsFatal(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResp("", llm.ToolCall{ID: "a", Name: "t", Arguments: `{}`}),
	}}
	l := newTestLoop(p, okExecutor("ok"), Budget{})

	_, err := l.Run(context.Background(), userReq("hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iteration 1")
}

func TestLoop_MalformedRequest(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{textResp("x")}}
	l := newTestLoop(p, okExecutor("ok"), Budget{})

	tests := []struct {
		name string
		req  *Request
	}{
		{"nil", nil},
		{"no messages", &Request{}},
		{"system only", &Request{Messages: []llm.Message{{Role: llm.RoleSystem, Content: "sys"}}}},
		{"blank user", &Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "  "}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Run(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
	assert.Equal(t, 0, p.totalCalls())
}

func TestLoop_CancelledBeforeProviderCall(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{textResp("x")}}
	l := newTestLoop(p, okExecutor("ok"), Budget{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Run(ctx, userReq("hi"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, p.totalCalls())
}

func TestLoop_SystemPromptAndTrim(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{textResp("short answer")}}
	arch := &fakeArchiver{}
	l := newTestLoop(p, okExecutor("ok"), Budget{MaxContextTokens: 50}, func(c *Config) {
		c.SystemPrompt = "You are a gateway."
		c.Archiver = arch
	})

	req := userReq("latest")
	req.Messages = append([]llm.Message{
		{Role: llm.RoleUser, Content: strings.Repeat("old ", 200)},
		{Role: llm.RoleAssistant, Content: strings.Repeat("reply ", 200)},
	}, req.Messages...)

	resp, err := l.Run(context.Background(), req)
	require.NoError(t, err)

	sent := p.requests[0]
	require.Len(t, sent, 3)
	assert.Equal(t, "You are a gateway.", sent[0].Content)
	assert.True(t, isTrimNotice(sent[1]))
	assert.Equal(t, "latest", sent[2].Content)

	require.Len(t, resp.ArchiveKeys, 1)
	assert.Equal(t, arch.keys, resp.ArchiveKeys)
	assert.Len(t, arch.msgs[resp.ArchiveKeys[0]], 4)
}

func TestLoop_RecordsUsageAndEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResp("checking", llm.ToolCall{ID: "a", Name: "t", Arguments: `{}`}),
		{Model: "test-model", Message: llm.Message{Role: llm.RoleAssistant, Content: "done"}, FinishReason: llm.FinishStop},
	}}
	rec := &fakeRecorder{}
	l := newTestLoop(p, okExecutor("ok"), Budget{}, func(c *Config) {
		c.Recorder = rec
		c.Events = bus
	})

	resp, err := l.Run(context.Background(), userReq("hi"))
	require.NoError(t, err)

	require.Len(t, rec.recs, 1)
	r := rec.recs[0]
	assert.Equal(t, "req_test", r.RequestID)
	assert.Equal(t, "completed", r.Termination)
	assert.Equal(t, 1, r.Iterations)
	assert.Equal(t, 1, r.ToolCalls)
	assert.Equal(t, "default", r.Provider)
	assert.False(t, r.Streamed)
	// The second response reported no usage; it is estimated.
	assert.Greater(t, r.InputTokens, 10)
	assert.Equal(t, resp.InputTokens, r.InputTokens)

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	assert.Equal(t, []string{
		events.KindRequestStart,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindToolCall, events.KindToolDone,
		events.KindLLMCall, events.KindLLMResponse,
		events.KindRequestComplete,
	}, kinds)
}

func TestLoop_DirectivesAnsweredOnFailure(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.ChatResponse{
		toolResp("", llm.ToolCall{ID: "x", Name: "nope", Arguments: `{"a":1}`}),
		textResp("sorry"),
	}}
	l := newTestLoop(p, tools.NewRegistry(), Budget{})

	_, err := l.Run(context.Background(), userReq("hi"))
	require.NoError(t, err)

	cont := p.requests[1]
	last := cont[len(cont)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "x", last.ToolCallID)
	assert.True(t, strings.HasPrefix(last.Content, "Error: "))
}

func TestTerminationReason_String(t *testing.T) {
	assert.Equal(t, "none", TerminationNone.String())
	assert.Equal(t, "token_budget_exceeded", TerminationTokenBudget.String())
	b, err := TerminationMaxIterations.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "max_iterations_reached", string(b))
}

func TestBudget_WithDefaults(t *testing.T) {
	b := Budget{}.withDefaults()
	assert.Equal(t, DefaultBudget(), b)

	b = Budget{InterBatchDelay: -1, BatchSize: 2}.withDefaults()
	assert.Equal(t, time.Duration(0), b.InterBatchDelay)
	assert.Equal(t, 2, b.BatchSize)
}
