package llm

import (
	"context"
	"io"
)

// Provider is the interface that all model backends implement.
// Implementations must not retry internally on auth failures; transient
// network retries belong to the HTTP transport.
type Provider interface {
	// Invoke sends a chat request and returns the complete response.
	Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// InvokeStreaming sends a chat request and returns a stream of deltas.
	// The caller must Close the stream.
	InvokeStreaming(ctx context.Context, req *ChatRequest) (DeltaStream, error)
}

// Pinger is implemented by providers that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DeltaStream iterates the deltas of a streamed response.
//
//	for s.Next() {
//	    d := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
type DeltaStream interface {
	Next() bool
	Current() ChatDelta
	Err() error
	io.Closer
}

// SliceStream replays a fixed set of deltas. Providers whose backend
// cannot stream use it to satisfy InvokeStreaming, and tests use it to
// script streams.
type SliceStream struct {
	deltas []ChatDelta
	pos    int
	err    error
}

// NewSliceStream returns a stream over deltas that ends with err (nil
// for a clean end).
func NewSliceStream(deltas []ChatDelta, err error) *SliceStream {
	return &SliceStream{deltas: deltas, pos: -1, err: err}
}

// Next advances to the next delta.
func (s *SliceStream) Next() bool {
	if s.pos+1 >= len(s.deltas) {
		s.pos = len(s.deltas)
		return false
	}
	s.pos++
	return true
}

// Current returns the delta at the cursor.
func (s *SliceStream) Current() ChatDelta {
	if s.pos < 0 || s.pos >= len(s.deltas) {
		return ChatDelta{}
	}
	return s.deltas[s.pos]
}

// Err returns the terminal error once Next has returned false.
func (s *SliceStream) Err() error {
	if s.pos < len(s.deltas) {
		return nil
	}
	return s.err
}

// Close is a no-op.
func (s *SliceStream) Close() error { return nil }

// ResponseDeltas splits a complete response into the deltas a streaming
// backend would have sent.
func ResponseDeltas(resp *ChatResponse) []ChatDelta {
	var deltas []ChatDelta
	if resp.Message.Content != "" {
		deltas = append(deltas, ChatDelta{Content: resp.Message.Content})
	}
	if len(resp.Message.ToolCalls) > 0 {
		d := ChatDelta{}
		for i, tc := range resp.Message.ToolCalls {
			d.ToolCalls = append(d.ToolCalls, ToolCallDelta{
				Index:     i,
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		deltas = append(deltas, d)
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = FinishStop
		if len(resp.Message.ToolCalls) > 0 {
			finish = FinishToolCalls
		}
	}
	deltas = append(deltas, ChatDelta{
		FinishReason: finish,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	})
	return deltas
}
