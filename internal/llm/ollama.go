package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/loopgate/internal/httpkit"
)

// OllamaProvider talks to the Ollama /api/chat endpoint.
type OllamaProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaProvider creates a provider for an Ollama server.
func NewOllamaProvider(name, baseURL string, httpClient *http.Client, logger *slog.Logger) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if httpClient == nil {
		// Large models with tools need time; streaming relies on ctx.
		httpClient = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger))
	}
	return &OllamaProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger.With("provider", name),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *ollamaOptions   `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

type ollamaResponse struct {
	Model      string        `json:"model"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
}

// Invoke sends a non-streaming chat request.
func (p *OllamaProvider) Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var raw ollamaResponse
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, transportError(p.name, fmt.Errorf("decode response: %w", err))
	}
	return p.convert(&raw, raw.Message.Content), nil
}

// InvokeStreaming sends a streaming chat request. Ollama streams content
// as newline-delimited JSON and delivers tool calls whole in the chunk
// that carries them.
func (p *OllamaProvider) InvokeStreaming(ctx context.Context, req *ChatRequest) (DeltaStream, error) {
	body, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &ollamaStream{
		provider: p,
		body:     body,
		decoder:  json.NewDecoder(body),
	}, nil
}

// Ping checks if Ollama is reachable.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return transportError(p.name, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return statusError(p.name, resp.StatusCode, "ping failed")
	}
	return nil
}

func (p *OllamaProvider) post(ctx context.Context, req *ChatRequest, stream bool) (io.ReadCloser, error) {
	wire := ollamaRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   stream,
		Tools:    toFunctionTools(req.Tools),
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		wire.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	p.logger.Log(ctx, LevelTrace, "ollama request", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}
	return resp.Body, nil
}

func (p *OllamaProvider) convert(raw *ollamaResponse, content string) *ChatResponse {
	msg := Message{Role: RoleAssistant, Content: content}
	msg.ToolCalls = fromOllamaToolCalls(raw.Message.ToolCalls)

	// Many local models write tool calls into content instead of
	// using the native field.
	if len(msg.ToolCalls) == 0 && content != "" {
		if parsed := parseTextToolCalls(content); len(parsed) > 0 {
			msg.ToolCalls = parsed
			msg.Content = ""
		}
	}

	finish := FinishStop
	switch {
	case len(msg.ToolCalls) > 0:
		finish = FinishToolCalls
	case raw.DoneReason == "length":
		finish = FinishLength
	}

	return &ChatResponse{
		Model:        raw.Model,
		Message:      msg,
		FinishReason: finish,
		InputTokens:  raw.PromptEvalCount,
		OutputTokens: raw.EvalCount,
		Duration:     time.Duration(raw.TotalDuration),
	}
}

// ollamaStream adapts the NDJSON body to DeltaStream.
type ollamaStream struct {
	provider *OllamaProvider
	body     io.ReadCloser
	decoder  *json.Decoder
	current  ChatDelta
	content  strings.Builder
	toolIdx  int
	done     bool
	err      error
}

func (s *ollamaStream) Next() bool {
	if s.done {
		return false
	}
	var chunk ollamaResponse
	if err := s.decoder.Decode(&chunk); err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) {
			s.err = transportError(s.provider.name, fmt.Errorf("decode stream chunk: %w", err))
		}
		return false
	}

	d := ChatDelta{Content: chunk.Message.Content}
	s.content.WriteString(chunk.Message.Content)
	for _, tc := range fromOllamaToolCalls(chunk.Message.ToolCalls) {
		d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
			Index:     s.toolIdx,
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: tc.Arguments,
		})
		s.toolIdx++
	}

	if chunk.Done {
		s.done = true
		d.InputTokens = chunk.PromptEvalCount
		d.OutputTokens = chunk.EvalCount
		d.FinishReason = FinishStop
		if s.toolIdx > 0 {
			d.FinishReason = FinishToolCalls
		} else if parseTextToolCalls(s.content.String()) != nil {
			// Text-form tool calls are only recognisable once the whole
			// content is in; announce intent without payload so the
			// caller fetches the structured form.
			d.FinishReason = FinishToolCalls
		} else if chunk.DoneReason == "length" {
			d.FinishReason = FinishLength
		}
	}
	s.current = d
	return true
}

func (s *ollamaStream) Current() ChatDelta { return s.current }
func (s *ollamaStream) Err() error         { return s.err }
func (s *ollamaStream) Close() error       { return s.body.Close() }

func toOllamaMessages(msgs []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, m := range msgs {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Name
			if err := json.Unmarshal([]byte(tc.Arguments), &call.Function.Arguments); err != nil || call.Function.Arguments == nil {
				call.Function.Arguments = map[string]any{}
			}
			om.ToolCalls = append(om.ToolCalls, call)
		}
		out = append(out, om)
	}
	return out
}

func fromOllamaToolCalls(calls []ollamaToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for i, c := range calls {
		args, err := json.Marshal(c.Function.Arguments)
		if err != nil || c.Function.Arguments == nil {
			args = []byte("{}")
		}
		out = append(out, ToolCall{
			// Ollama does not assign call IDs; tool results still need one.
			ID:        "call_" + uuid.NewString()[:8],
			Name:      c.Function.Name,
			Arguments: string(args),
			Index:     i,
		})
	}
	return out
}

func toFunctionTools(schemas []ToolSchema) []map[string]any {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters,
			},
		})
	}
	return out
}

// parseTextToolCalls extracts tool calls that a model wrote into its
// content. Handles a raw JSON object {"name":..., "arguments":{...}},
// a JSON array of those, and either form wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}

	var calls []textCall
	if err := json.Unmarshal([]byte(content), &calls); err != nil || len(calls) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil || single.Name == "" {
			return nil
		}
		calls = []textCall{single}
	}

	result := make([]ToolCall, 0, len(calls))
	for i, c := range calls {
		if c.Name == "" {
			continue
		}
		var oc ollamaToolCall
		oc.Function.Name = c.Name
		oc.Function.Arguments = c.Arguments
		tc := fromOllamaToolCalls([]ollamaToolCall{oc})[0]
		tc.Index = i
		result = append(result, tc)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
