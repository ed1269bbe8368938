package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/loopgate/internal/agent"
	"github.com/nugget/loopgate/internal/events"
	"github.com/nugget/loopgate/internal/llm"
)

// ChatCompletionRequest is the OpenAI-compatible request format.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse is the OpenAI-compatible response format.
type ChatCompletionResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []Choice      `json:"choices"`
	Usage   Usage         `json:"usage"`
	Loop    *LoopMetadata `json:"loopgate,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage represents token usage summed over every provider call of the
// run.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LoopMetadata is the gateway's extension to the completion body.
// OpenAI clients ignore it.
type LoopMetadata struct {
	RequestID        string   `json:"request_id"`
	Termination      string   `json:"termination"`
	Iterations       int      `json:"iterations"`
	ToolCalls        int      `json:"tool_calls"`
	ToolResultTokens int      `json:"tool_result_tokens"`
	ArchiveKeys      []string `json:"archive_keys,omitempty"`
}

// requestID honours a client-supplied X-Request-ID so gateway logs can
// be joined with the caller's.
func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Request-ID")); id != "" && len(id) <= 64 {
		return id
	}
	return "req_" + uuid.NewString()[:12]
}

func completionID(requestID string) string {
	return "chatcmpl-" + strings.TrimPrefix(requestID, "req_")
}

func newUsage(resp *agent.Response) Usage {
	return Usage{
		PromptTokens:     resp.InputTokens,
		CompletionTokens: resp.OutputTokens,
		TotalTokens:      resp.InputTokens + resp.OutputTokens,
	}
}

func newLoopMetadata(resp *agent.Response) *LoopMetadata {
	return &LoopMetadata{
		RequestID:        resp.RequestID,
		Termination:      resp.Termination.String(),
		Iterations:       resp.Iterations,
		ToolCalls:        resp.ToolCalls,
		ToolResultTokens: resp.ToolResultTokens,
		ArchiveKeys:      resp.ArchiveKeys,
	}
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body")
		return
	}

	agentReq := &agent.Request{
		RequestID:   requestID(r),
		Model:       req.Model,
		Messages:    toLLMMessages(req.Messages),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.Stream {
		s.handleStreamingCompletion(w, r, agentReq)
		return
	}

	resp, err := s.loop.Run(r.Context(), agentReq)
	if err != nil {
		s.chatError(w, r, err, false)
		return
	}

	completion := ChatCompletionResponse{
		ID:      completionID(resp.RequestID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{
			{
				Index: 0,
				Message: fromLLMMessage(llm.Message{
					Role:    llm.RoleAssistant,
					Content: resp.Content,
				}),
				FinishReason: resp.FinishReason,
			},
		},
		Usage: newUsage(resp),
		Loop:  newLoopMetadata(resp),
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, completion, s.logger)
}

// classifyError maps a loop failure to an HTTP status and error type.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrMalformedRequest):
		return http.StatusBadRequest, errTypeInvalidRequest
	case errors.Is(err, llm.ErrProviderAuth), errors.Is(err, llm.ErrProviderNetwork):
		return http.StatusBadGateway, errTypeProvider
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, errTypeServer
	default:
		return http.StatusInternalServerError, errTypeServer
	}
}

// chatError reports a failed chat request. A client that went away gets
// nothing written back.
func (s *Server) chatError(w http.ResponseWriter, r *http.Request, err error, stream bool) {
	if errors.Is(err, context.Canceled) {
		s.logger.Debug("client disconnected", "path", r.URL.Path, "stream", stream)
		s.bus.Emit(events.SourceAPI, events.KindClientGone, map[string]any{
			"path":   r.URL.Path,
			"stream": stream,
		})
		return
	}

	code, errType := classifyError(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("chat completion failed", "status", code, "error", err)
	} else {
		s.logger.Warn("chat completion rejected", "status", code, "error", err)
	}
	s.bus.Emit(events.SourceAPI, events.KindRequestFailed, map[string]any{
		"path":   r.URL.Path,
		"status": code,
		"error":  err.Error(),
	})
	s.errorResponse(w, code, errType, err.Error())
}

// StreamChunk is the SSE format for streaming responses.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Loop    *LoopMetadata  `json:"loopgate,omitempty"`
}

// StreamChoice represents a streaming choice with delta content.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta represents incremental content. Progress carries tool
// announcements, which plain OpenAI clients ignore.
type StreamDelta struct {
	Role     string `json:"role,omitempty"`
	Content  string `json:"content,omitempty"`
	Progress string `json:"progress,omitempty"`
}

// sseStream writes OpenAI chunks. Headers and the opening role chunk
// are deferred until the first event so that errors raised before any
// output can still be answered with a plain JSON error.
type sseStream struct {
	s       *Server
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
	id      string
	model   string
	created int64
	started bool
}

func (st *sseStream) begin() {
	if st.started {
		return
	}
	st.started = true

	h := st.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering
	st.w.WriteHeader(http.StatusOK)

	st.chunk(StreamDelta{Role: llm.RoleAssistant}, nil)
}

func (st *sseStream) chunk(delta StreamDelta, finish *string) {
	st.write(StreamChunk{
		ID:      st.id,
		Object:  "chat.completion.chunk",
		Created: st.created,
		Model:   st.model,
		Choices: []StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
}

func (st *sseStream) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		st.s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(st.w, "data: %s\n\n", data); err != nil {
		st.s.logger.Debug("failed to write SSE chunk", "error", err)
	}
	st.flush()
}

func (st *sseStream) comment(text string) {
	if _, err := fmt.Fprintf(st.w, ": %s\n\n", text); err != nil {
		st.s.logger.Debug("failed to write SSE comment", "error", err)
	}
	st.flush()
}

func (st *sseStream) flush() {
	st.flusher.Flush()

	// Reset write deadline after every event to prevent timeout
	// during multi-iteration tool loops.
	if err := st.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		st.s.logger.Debug("failed to reset write deadline", "error", err)
	}
}

func (s *Server) handleStreamingCompletion(w http.ResponseWriter, r *http.Request, agentReq *agent.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, errTypeServer, "streaming not supported")
		return
	}

	st := &sseStream{
		s:       s,
		w:       w,
		flusher: flusher,
		rc:      http.NewResponseController(w),
		id:      completionID(agentReq.RequestID),
		model:   agentReq.Model,
		created: time.Now().Unix(),
	}

	streamCallback := func(event agent.StreamEvent) {
		st.begin()
		switch event.Kind {
		case agent.KindToken:
			st.chunk(StreamDelta{Content: event.Token}, nil)
		case agent.KindProgress:
			st.chunk(StreamDelta{Progress: event.Token}, nil)
		case agent.KindToolDone:
			// Keepalive between tools
			st.comment("tool done")
		case agent.KindDone:
			resp := event.Response
			st.model = resp.Model
			finish := resp.FinishReason
			st.write(StreamChunk{
				ID:      st.id,
				Object:  "chat.completion.chunk",
				Created: st.created,
				Model:   st.model,
				Choices: []StreamChoice{{Index: 0, Delta: StreamDelta{}, FinishReason: &finish}},
				Usage:   ptr(newUsage(resp)),
				Loop:    newLoopMetadata(resp),
			})
		}
	}

	_, err := s.loop.RunStream(r.Context(), agentReq, streamCallback)
	if err != nil {
		if !st.started {
			s.chatError(w, r, err, true)
			return
		}
		// Can't change status code after streaming started.
		s.logger.Error("stream failed after start", "error", err)
		if !errors.Is(err, context.Canceled) {
			code, errType := classifyError(err)
			st.write(errorBody(code, errType, err.Error()))
		}
		return
	}

	st.begin()
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		s.logger.Debug("failed to write SSE terminator", "error", err)
	}
	flusher.Flush()
}

func ptr[T any](v T) *T { return &v }
