package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/packages/ssestream"

	"github.com/nugget/loopgate/internal/httpkit"
)

const (
	anthropicDefaultURL = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"
	// anthropicMaxTokens is sent when the request does not set a limit;
	// the Messages API requires one.
	anthropicMaxTokens = 4096
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicProvider creates a provider. baseURL may be empty for the
// public endpoint.
func NewAnthropicProvider(name, baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *AnthropicProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = anthropicDefaultURL
	}
	if httpClient == nil {
		httpClient = httpkit.NewClient(httpkit.WithTimeout(0))
	}
	return &AnthropicProvider{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger.With("provider", name),
	}
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Invoke sends a non-streaming Messages request.
func (p *AnthropicProvider) Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, transportError(p.name, fmt.Errorf("decode response: %w", err))
	}
	out := fromAnthropic(&raw)
	out.Duration = time.Since(start)

	p.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"tool_calls", len(out.Message.ToolCalls),
	)
	p.logger.Log(ctx, LevelTrace, "anthropic response", "content", out.Message.Content, "stop_reason", raw.StopReason)
	return out, nil
}

// InvokeStreaming opens an SSE Messages stream.
func (p *AnthropicProvider) InvokeStreaming(ctx context.Context, req *ChatRequest) (DeltaStream, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &anthropicStream{
		provider: p,
		decoder:  ssestream.NewDecoder(resp),
		blocks:   make(map[int]int),
	}, nil
}

// Ping checks that the API is reachable and the key is accepted.
func (p *AnthropicProvider) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)
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

func (p *AnthropicProvider) setHeaders(r *http.Request) {
	r.Header.Set("x-api-key", p.apiKey)
	r.Header.Set("anthropic-version", anthropicAPIVersion)
}

func (p *AnthropicProvider) post(ctx context.Context, req *ChatRequest, stream bool) (*http.Response, error) {
	msgs, system := toAnthropicMessages(req.Messages)
	wire := anthropicRequest{
		Model:       req.Model,
		Messages:    msgs,
		System:      system,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       toAnthropicTools(req.Tools),
	}
	if wire.MaxTokens <= 0 {
		wire.MaxTokens = anthropicMaxTokens
	}

	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	p.logger.Log(ctx, LevelTrace, "anthropic request", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		p.logger.Warn("API error", "status", resp.StatusCode, "body", body)
		return nil, statusError(p.name, resp.StatusCode, body)
	}
	return resp, nil
}

// anthropicStream adapts the SSE event stream to DeltaStream. Content
// block indexes are mapped to dense tool-call indexes.
type anthropicStream struct {
	provider *AnthropicProvider
	decoder  ssestream.Decoder
	current  ChatDelta
	blocks   map[int]int // content block index -> tool call index
	inputTok int
	outTok   int
	stop     string
	done     bool
	err      error
}

func (s *anthropicStream) Next() bool {
	if s.done {
		return false
	}
	for s.decoder.Next() {
		raw := s.decoder.Event()
		if len(raw.Data) == 0 {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal(raw.Data, &ev); err != nil {
			s.provider.logger.Debug("skipping malformed stream event", "type", raw.Type, "error", err)
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				s.inputTok = ev.Message.Usage.InputTokens
				s.outTok = ev.Message.Usage.OutputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				idx := len(s.blocks)
				s.blocks[ev.Index] = idx
				s.current = ChatDelta{ToolCalls: []ToolCallDelta{{
					Index: idx,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}}}
				return true
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text == "" {
					continue
				}
				s.current = ChatDelta{Content: ev.Delta.Text}
				return true
			case "input_json_delta":
				idx, ok := s.blocks[ev.Index]
				if !ok || ev.Delta.PartialJSON == "" {
					continue
				}
				s.current = ChatDelta{ToolCalls: []ToolCallDelta{{Index: idx, Arguments: ev.Delta.PartialJSON}}}
				return true
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				s.stop = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				s.outTok = ev.Usage.OutputTokens
			}

		case "message_stop":
			s.done = true
			s.current = ChatDelta{
				FinishReason: anthropicFinish(s.stop, len(s.blocks) > 0),
				InputTokens:  s.inputTok,
				OutputTokens: s.outTok,
			}
			return true

		case "error":
			s.done = true
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Type + ": " + ev.Error.Message
			}
			s.err = &ProviderError{Provider: s.provider.name, Message: msg, Kind: ErrProviderNetwork}
			return false
		}
	}

	s.done = true
	if err := s.decoder.Err(); err != nil && err != io.EOF {
		s.err = transportError(s.provider.name, fmt.Errorf("read stream: %w", err))
	}
	return false
}

func (s *anthropicStream) Current() ChatDelta { return s.current }
func (s *anthropicStream) Err() error         { return s.err }
func (s *anthropicStream) Close() error       { return s.decoder.Close() }

// anthropicFinish maps a stop_reason onto the OpenAI finish reasons.
func anthropicFinish(stopReason string, hasTools bool) string {
	switch {
	case stopReason == "tool_use" || hasTools:
		return FinishToolCalls
	case stopReason == "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

// toAnthropicMessages converts the conversation. System messages are
// lifted into the separate system prompt and consecutive tool results
// share one user turn, as the Messages API expects.
func toAnthropicMessages(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage
	var pendingResults []anthropicContent

	flush := func() {
		if len(pendingResults) > 0 {
			result = append(result, anthropicMessage{Role: RoleUser, Content: pendingResults})
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		if msg.Role == RoleTool {
			pendingResults = append(pendingResults, anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			})
			continue
		}
		flush()

		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, anthropicMessage{Role: RoleAssistant, Content: msg.Content})
				continue
			}
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
			}
			for i, tc := range msg.ToolCalls {
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Name, i)
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    id,
					Name:  tc.Name,
					Input: toolInput(tc.Arguments),
				})
			}
			result = append(result, anthropicMessage{Role: RoleAssistant, Content: blocks})

		default:
			result = append(result, anthropicMessage{Role: RoleUser, Content: msg.Content})
		}
	}
	flush()

	return result, strings.Join(systemParts, "\n\n")
}

// toolInput returns arguments as a JSON object, or an empty object when
// the model sent something unusable.
func toolInput(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	return json.RawMessage("{}")
}

func toAnthropicTools(schemas []ToolSchema) []anthropicTool {
	if len(schemas) == 0 {
		return nil
	}
	out := make([]anthropicTool, 0, len(schemas))
	for _, s := range schemas {
		params := s.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, anthropicTool{
			Name:        s.Name,
			Description: s.Description,
			InputSchema: params,
		})
	}
	return out
}

func fromAnthropic(resp *anthropicResponse) *ChatResponse {
	var content strings.Builder
	msg := Message{Role: RoleAssistant}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
				Index:     len(msg.ToolCalls),
			})
		}
	}
	msg.Content = content.String()

	return &ChatResponse{
		Model:        resp.Model,
		Message:      msg,
		FinishReason: anthropicFinish(resp.StopReason, len(msg.ToolCalls) > 0),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}
