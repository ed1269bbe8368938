// Package agent implements the feedback loop: call the model, run the
// tools it asks for, feed the results back, and repeat until the model
// answers without tools or a limit is reached.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/loopgate/internal/events"
	"github.com/nugget/loopgate/internal/llm"
	"github.com/nugget/loopgate/internal/usage"
)

// decoupledFiller is surfaced when the model requests tools without
// saying anything.
const decoupledFiller = "I'll help you with that."

// Recorder persists one record per finished run.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// providerNamer is implemented by providers that route to named
// backends (llm.Router).
type providerNamer interface {
	ProviderName(model string) string
}

// Config carries the collaborators and limits of a Loop. Provider and
// Tools are required.
type Config struct {
	Logger       *slog.Logger
	Provider     llm.Provider
	Tools        ToolExecutor
	ToolSchemas  []llm.ToolSchema
	DefaultModel string
	SystemPrompt string
	Budget       Budget

	// Estimator drives trimming and result budgets (CharEstimator when nil).
	Estimator TokenEstimator
	// UsageCounter fills in token usage when the provider omits it.
	UsageCounter TokenEstimator

	Archiver Archiver
	Recorder Recorder
	Events   *events.Bus
	Sleeper  Sleeper
}

// Loop is the feedback-loop controller. It holds no per-request state
// and is safe for concurrent use.
type Loop struct {
	logger       *slog.Logger
	provider     llm.Provider
	schemas      []llm.ToolSchema
	model        string
	systemPrompt string
	budget       Budget

	trimmer  *ContextBudgetManager
	batch    *BatchExecutor
	counter  TokenEstimator
	recorder Recorder
	bus      *events.Bus
}

// NewLoop creates a loop from cfg.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "loop")

	est := cfg.Estimator
	if est == nil {
		est = CharEstimator{}
	}
	counter := cfg.UsageCounter
	if counter == nil {
		counter = est
	}
	budget := cfg.Budget.withDefaults()

	return &Loop{
		logger:       logger,
		provider:     cfg.Provider,
		schemas:      cfg.ToolSchemas,
		model:        cfg.DefaultModel,
		systemPrompt: cfg.SystemPrompt,
		budget:       budget,
		trimmer:      NewContextBudgetManager(budget.MaxContextTokens, est, cfg.Archiver, logger),
		batch:        NewBatchExecutor(cfg.Tools, budget, est, cfg.Sleeper, cfg.Events, logger),
		counter:      counter,
		recorder:     cfg.Recorder,
		bus:          cfg.Events,
	}
}

// Budget returns the effective limits.
func (l *Loop) Budget() Budget {
	return l.budget
}

// Run processes req to completion and returns the combined answer:
// every decoupled text followed by the final reply, separated by blank
// lines.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	return l.run(ctx, req, nil)
}

// run is the single iterative driver behind Run and RunStream. A nil
// cb selects non-streaming provider calls.
func (l *Loop) run(ctx context.Context, req *Request, cb StreamCallback) (*Response, error) {
	start := time.Now()

	if req == nil || llm.LastUserMessage(req.Messages) < 0 {
		return nil, fmt.Errorf("%w: no user message", ErrMalformedRequest)
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = "req_" + uuid.NewString()[:12]
	}
	model := req.Model
	if model == "" {
		model = l.model
	}

	st := newState(l.withSystemPrompt(req.Messages))
	log := l.logger.With("request_id", requestID)

	l.bus.Emit(events.SourceLoop, events.KindRequestStart, map[string]any{
		"request_id": requestID,
		"model":      model,
		"messages":   len(st.History),
		"stream":     cb != nil,
	})
	log.Info("loop started",
		"model", model,
		"messages", len(st.History),
		"tools", len(l.schemas),
		"stream", cb != nil,
	)

	var final *llm.ChatResponse
	var diagnostic string
	needSeparator := false

	for {
		if trimmed, rep := l.trimmer.Trim(ctx, requestID, st.History); rep.Trimmed {
			st.History = trimmed
			st.archiveKeys = append(st.archiveKeys, rep.ArchiveKey)
			l.bus.Emit(events.SourceLoop, events.KindContextTrimmed, map[string]any{
				"request_id":       requestID,
				"tokens_before":    rep.TokensBefore,
				"messages_dropped": rep.MessagesDropped,
				"archive_key":      rep.ArchiveKey,
			})
		}

		if err := ctx.Err(); err != nil {
			log.Info("loop cancelled", "iteration", st.IterationCount, "error", err)
			return nil, err
		}

		chatReq := &llm.ChatRequest{
			Model:       model,
			Messages:    st.History,
			Tools:       l.schemas,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}

		l.bus.Emit(events.SourceLoop, events.KindLLMCall, map[string]any{
			"request_id": requestID,
			"iter":       st.IterationCount,
			"model":      model,
		})
		log.Debug("calling provider",
			"iteration", st.IterationCount,
			"messages", len(st.History),
		)

		var resp *llm.ChatResponse
		var err error
		if cb == nil {
			resp, err = l.provider.Invoke(ctx, chatReq)
		} else {
			resp, err = l.streamTurn(ctx, chatReq, cb, log, needSeparator)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			st.Termination = TerminationProviderError
			log.Error("provider call failed", "iteration", st.IterationCount, "error", err)
			l.finish(ctx, st, requestID, model, cb != nil, start, nil, "")
			return nil, fmt.Errorf("provider call (iteration %d): %w", st.IterationCount, err)
		}

		l.countUsage(st, chatReq, resp)
		calls := Extract(resp.Message)
		st.record(resp.Message.Content, calls)

		l.bus.Emit(events.SourceLoop, events.KindLLMResponse, map[string]any{
			"request_id": requestID,
			"iter":       st.IterationCount,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(calls),
		})

		if len(calls) == 0 {
			st.Termination = TerminationCompleted
			final = resp
			break
		}

		if st.budgetExhausted {
			st.Termination = TerminationTokenBudget
			if c := strings.TrimSpace(resp.Message.Content); c != "" {
				st.decoupled = append(st.decoupled, c)
			}
			diagnostic = fmt.Sprintf("[Stopped: the tool result budget of %d tokens was exhausted and the model requested %d more tool calls.]",
				l.budget.MaxBatchResultTokens, len(calls))
			log.Warn("tool calls refused after budget exhaustion",
				"requested", llm.ToolNames(calls),
				"tokens", st.CumulativeToolResultTokens,
			)
			break
		}

		if st.IterationCount >= l.budget.MaxIterations {
			st.Termination = TerminationMaxIterations
			if c := strings.TrimSpace(resp.Message.Content); c != "" {
				st.decoupled = append(st.decoupled, c)
			}
			diagnostic = fmt.Sprintf("[Stopped after %d tool rounds: iteration limit of %d reached.]",
				st.IterationCount, l.budget.MaxIterations)
			log.Warn("iteration limit reached",
				"iterations", st.IterationCount,
				"max", l.budget.MaxIterations,
				"requested", llm.ToolNames(calls),
			)
			break
		}

		decoupled := strings.TrimSpace(resp.Message.Content)
		if decoupled == "" {
			decoupled = decoupledFiller
			if cb != nil {
				emitToken(cb, needSeparator, decoupled)
			}
		}
		st.decoupled = append(st.decoupled, decoupled)
		if req.OnDecoupled != nil {
			req.OnDecoupled(decoupled)
		}

		log.Info("tool calls requested",
			"iteration", st.IterationCount,
			"tools", llm.ToolNames(calls),
		)

		st.History = append(st.History, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})
		st.toolCalls += len(calls)

		br, runErr := l.batch.Run(ctx, requestID, calls, st.CumulativeToolResultTokens, streamHooks(cb))
		st.CumulativeToolResultTokens = br.Tokens
		appendToolMessages(st, calls, br)
		if runErr != nil {
			log.Info("loop cancelled during tool execution", "error", runErr)
			return nil, runErr
		}
		if br.Halted {
			st.budgetExhausted = true
		}

		st.IterationCount++
		needSeparator = true
	}

	if diagnostic != "" && cb != nil {
		emitToken(cb, true, diagnostic)
	}

	resp := l.finish(ctx, st, requestID, model, cb != nil, start, final, diagnostic)
	if cb != nil {
		cb(StreamEvent{Kind: KindDone, Response: resp})
	}
	return resp, nil
}

func (l *Loop) withSystemPrompt(msgs []llm.Message) []llm.Message {
	if l.systemPrompt == "" || (len(msgs) > 0 && msgs[0].Role == llm.RoleSystem) {
		return msgs
	}
	out := make([]llm.Message, 0, len(msgs)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: l.systemPrompt})
	return append(out, msgs...)
}

func (l *Loop) countUsage(st *State, req *llm.ChatRequest, resp *llm.ChatResponse) {
	in, out := resp.InputTokens, resp.OutputTokens
	if in == 0 {
		in = EstimateMessages(l.counter, req.Messages)
	}
	if out == 0 {
		out = EstimateMessage(l.counter, resp.Message)
	}
	st.inputTokens += in
	st.outputTokens += out
}

// appendToolMessages answers every call in order. Calls that never ran
// because the batch halted or was cancelled get a skipped notice.
func appendToolMessages(st *State, calls []llm.ToolCall, br BatchResult) {
	for i, call := range calls {
		content := "Error: not executed; tool execution stopped earlier in this batch."
		if i < len(br.Results) {
			content = br.Results[i].Content
		}
		st.History = append(st.History, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
	}
}

func (l *Loop) finish(ctx context.Context, st *State, requestID, model string, streamed bool, start time.Time, final *llm.ChatResponse, diagnostic string) *Response {
	parts := append([]string(nil), st.decoupled...)
	finishReason := llm.FinishStop
	if final != nil {
		if c := strings.TrimSpace(final.Message.Content); c != "" {
			parts = append(parts, final.Message.Content)
		}
		if final.FinishReason != "" {
			finishReason = final.FinishReason
		}
		if final.Model != "" {
			model = final.Model
		}
	}
	if diagnostic != "" {
		parts = append(parts, diagnostic)
		finishReason = llm.FinishLength
	}

	resp := &Response{
		RequestID:        requestID,
		Model:            model,
		Content:          strings.Join(parts, "\n\n"),
		FinishReason:     finishReason,
		Termination:      st.Termination,
		Iterations:       st.IterationCount,
		InputTokens:      st.inputTokens,
		OutputTokens:     st.outputTokens,
		ToolCalls:        st.toolCalls,
		ToolResultTokens: st.CumulativeToolResultTokens,
		Decoupled:        st.decoupled,
		Records:          st.Records,
		ArchiveKeys:      st.archiveKeys,
		History:          st.History,
		Elapsed:          time.Since(start),
	}

	l.bus.Emit(events.SourceLoop, events.KindRequestComplete, map[string]any{
		"request_id":       requestID,
		"model":            model,
		"iterations":       resp.Iterations,
		"termination":      resp.Termination.String(),
		"total_tokens_in":  resp.InputTokens,
		"total_tokens_out": resp.OutputTokens,
		"elapsed_ms":       resp.Elapsed.Milliseconds(),
	})
	l.logger.Info("loop completed",
		"request_id", requestID,
		"model", model,
		"termination", resp.Termination.String(),
		"iterations", resp.Iterations,
		"tool_calls", resp.ToolCalls,
		"tokens_in", resp.InputTokens,
		"tokens_out", resp.OutputTokens,
		"elapsed", resp.Elapsed,
	)

	if l.recorder != nil {
		provider := "default"
		if n, ok := l.provider.(providerNamer); ok {
			provider = n.ProviderName(model)
		}
		rec := usage.Record{
			RequestID:        requestID,
			Model:            model,
			Provider:         provider,
			InputTokens:      resp.InputTokens,
			OutputTokens:     resp.OutputTokens,
			Iterations:       resp.Iterations,
			ToolCalls:        resp.ToolCalls,
			ToolResultTokens: resp.ToolResultTokens,
			Termination:      resp.Termination.String(),
			Streamed:         streamed,
			Elapsed:          resp.Elapsed,
		}
		if err := l.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
			l.logger.Warn("failed to record run", "request_id", requestID, "error", err)
		}
	}
	return resp
}
