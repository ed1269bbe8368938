package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/loopgate/internal/events"
	"github.com/nugget/loopgate/internal/llm"
	"github.com/nugget/loopgate/internal/tools"
)

// ToolExecutor runs a named tool. Implementations must be safe for
// concurrent use by many requests.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args tools.Args) (tools.Result, error)
}

// Sleeper pauses between tool groups. It returns early with ctx's error
// when the request is cancelled.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BatchHooks observe tool execution. Either field may be nil.
type BatchHooks struct {
	BeforeTool func(call llm.ToolCall)
	AfterTool  func(res ToolResult)
}

// BatchResult is the outcome of one Run.
type BatchResult struct {
	// Results has one entry per call that ran, in call order. When
	// Halted, the last entry is the halt diagnostic.
	Results []ToolResult
	// Tokens is the running result total, seeded with the spend passed
	// to Run.
	Tokens int
	// Kept counts calls whose results are fed back.
	Kept int
	// Ran counts calls that reached the executor, including one whose
	// result was dropped by a halt.
	Ran    int
	Halted bool
}

// BatchExecutor runs tool calls sequentially in paced groups under a
// result-size budget.
type BatchExecutor struct {
	exec   ToolExecutor
	est    TokenEstimator
	budget Budget
	sleep  Sleeper
	bus    *events.Bus
	logger *slog.Logger
}

// NewBatchExecutor creates an executor. A nil sleeper uses a real timer.
func NewBatchExecutor(exec ToolExecutor, budget Budget, est TokenEstimator, sleep Sleeper, bus *events.Bus, logger *slog.Logger) *BatchExecutor {
	if est == nil {
		est = CharEstimator{}
	}
	if sleep == nil {
		sleep = contextSleep
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchExecutor{
		exec:   exec,
		est:    est,
		budget: budget.withDefaults(),
		sleep:  sleep,
		bus:    bus,
		logger: logger,
	}
}

// Run executes calls in order. spent is the result total already fed
// back earlier in the request. A non-nil error means ctx was cancelled;
// the partial result is still returned.
func (b *BatchExecutor) Run(ctx context.Context, requestID string, calls []llm.ToolCall, spent int, hooks *BatchHooks) (BatchResult, error) {
	br := BatchResult{Tokens: spent}
	size := b.budget.BatchSize

	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return br, err
		}

		if hooks != nil && hooks.BeforeTool != nil {
			hooks.BeforeTool(call)
		}
		res := b.runOne(ctx, requestID, call)
		br.Ran++
		br.Tokens += res.EstimatedTokens

		if br.Tokens > b.budget.MaxBatchResultTokens {
			diag := b.haltDiagnostic(call, br, len(calls))
			br.Results = append(br.Results, diag)
			br.Halted = true

			b.logger.Warn("tool result budget exceeded",
				"request_id", requestID,
				"tool", call.Name,
				"kept", br.Kept,
				"ran", br.Ran,
				"requested", len(calls),
				"tokens", br.Tokens,
				"cap", b.budget.MaxBatchResultTokens,
			)
			b.bus.Emit(events.SourceLoop, events.KindBatchHalted, map[string]any{
				"request_id": requestID,
				"kept":       br.Kept,
				"ran":        br.Ran,
				"requested":  len(calls),
				"tokens":     br.Tokens,
			})
			if hooks != nil && hooks.AfterTool != nil {
				hooks.AfterTool(diag)
			}
			return br, nil
		}

		br.Results = append(br.Results, res)
		br.Kept++
		if hooks != nil && hooks.AfterTool != nil {
			hooks.AfterTool(res)
		}

		if (i+1)%size == 0 && i+1 < len(calls) {
			b.logger.Debug("pacing tool batch",
				"request_id", requestID,
				"after", i+1,
				"delay", b.budget.InterBatchDelay,
			)
			if err := b.sleep(ctx, b.budget.InterBatchDelay); err != nil {
				return br, err
			}
		}
	}
	return br, nil
}

func (b *BatchExecutor) haltDiagnostic(call llm.ToolCall, br BatchResult, requested int) ToolResult {
	content := fmt.Sprintf(
		"Error: tool result budget exceeded (about %d tokens, limit %d). %d of %d tool results kept (%d executed); %s ran but its output was dropped, and the remaining tool calls in this request were not executed. Answer with the information already gathered.",
		br.Tokens, b.budget.MaxBatchResultTokens, br.Kept, requested, br.Ran, call.Name)
	return ToolResult{
		ToolCallID:      call.ID,
		ToolName:        call.Name,
		Content:         content,
		EstimatedTokens: b.est.Estimate(content),
	}
}

func (b *BatchExecutor) runOne(ctx context.Context, requestID string, call llm.ToolCall) (res ToolResult) {
	start := time.Now()
	res = ToolResult{ToolCallID: call.ID, ToolName: call.Name}

	b.bus.Emit(events.SourceLoop, events.KindToolCall, map[string]any{
		"request_id": requestID,
		"tool":       call.Name,
	})
	defer func() {
		res.EstimatedTokens = b.est.Estimate(res.Content)
		b.bus.Emit(events.SourceLoop, events.KindToolDone, map[string]any{
			"request_id":  requestID,
			"tool":        call.Name,
			"ok":          res.Success,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}()

	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("tool panicked",
				"request_id", requestID, "tool", call.Name, "panic", p)
			res.Success = false
			res.Content = fmt.Sprintf("Error: tool %s failed: panic: %v", call.Name, p)
		}
	}()

	args, err := ParseArguments(call.Arguments)
	if err != nil {
		b.logger.Warn("tool arguments unparseable, using empty object",
			"request_id", requestID,
			"tool", call.Name,
			"raw", call.Arguments,
			"error", err,
		)
	}

	b.logger.Log(ctx, llm.LevelTrace, "executing tool",
		"request_id", requestID, "tool", call.Name, "args", call.Arguments)

	out, err := b.exec.Execute(ctx, call.Name, args)
	res.Success = out.Success && err == nil
	res.Content = out.Content

	if err != nil {
		level := slog.LevelWarn
		if errors.Is(err, tools.ErrToolNotFound) {
			level = slog.LevelError
		}
		b.logger.Log(ctx, level, "tool failed",
			"request_id", requestID,
			"tool", call.Name,
			"error", err,
			"elapsed", time.Since(start),
		)
		if res.Content == "" {
			res.Content = "Error: " + err.Error()
		}
		return res
	}

	b.logger.Debug("tool completed",
		"request_id", requestID,
		"tool", call.Name,
		"ok", res.Success,
		"bytes", len(res.Content),
		"elapsed", time.Since(start),
	)
	return res
}
