package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider talks to any OpenAI-compatible Chat Completions API.
type OpenAIProvider struct {
	name   string
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider creates a provider. baseURL may be empty for the
// public OpenAI endpoint. The SDK's own retries are disabled; transient
// dial failures are retried by the httpkit transport instead.
func NewOpenAIProvider(name, baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClient(opts...),
		logger: logger.With("provider", name),
	}
}

// Invoke sends a non-streaming chat completion.
func (p *OpenAIProvider) Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()
	params := toOpenAIParams(req)

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classify(err)
	}
	if len(completion.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Message: "response contained no choices", Kind: ErrProviderNetwork}
	}

	choice := completion.Choices[0]
	p.logger.Log(ctx, LevelTrace, "openai response", "content", choice.Message.Content, "finish_reason", choice.FinishReason)

	msg := Message{Role: RoleAssistant, Content: choice.Message.Content}
	for i, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			Index:     i,
		})
	}

	return &ChatResponse{
		Model:        completion.Model,
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Duration:     time.Since(start),
	}, nil
}

// InvokeStreaming opens an SSE chat completion stream.
func (p *OpenAIProvider) InvokeStreaming(ctx context.Context, req *ChatRequest) (DeltaStream, error) {
	params := toOpenAIParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		stream.Close()
		return nil, p.classify(err)
	}
	return &openaiStream{provider: p, stream: stream}, nil
}

// classify maps SDK errors onto the provider error taxonomy.
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		pe := statusError(p.name, apiErr.StatusCode, apiErr.Message)
		pe.Err = err
		return pe
	}
	return transportError(p.name, err)
}

type openaiStream struct {
	provider *OpenAIProvider
	stream   *ssestream.Stream[openai.ChatCompletionChunk]
	current  ChatDelta
}

func (s *openaiStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		d := ChatDelta{
			InputTokens:  int(chunk.Usage.PromptTokens),
			OutputTokens: int(chunk.Usage.CompletionTokens),
		}
		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			d.Content = choice.Delta.Content
			d.FinishReason = choice.FinishReason
			for _, tc := range choice.Delta.ToolCalls {
				d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
					Index:     int(tc.Index),
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				})
			}
		} else if d.InputTokens == 0 && d.OutputTokens == 0 {
			// Keepalive or empty chunk.
			continue
		}
		s.current = d
		return true
	}
	return false
}

func (s *openaiStream) Current() ChatDelta { return s.current }

func (s *openaiStream) Err() error {
	if err := s.stream.Err(); err != nil {
		return s.provider.classify(err)
	}
	return nil
}

func (s *openaiStream) Close() error { return s.stream.Close() }

func toOpenAIParams(req *ChatRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return params
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			out = append(out, openai.UserMessage(fmt.Sprintf("[%s] %s", m.Role, m.Content)))
		}
	}
	return out
}
