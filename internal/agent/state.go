package agent

import (
	"time"

	"github.com/nugget/loopgate/internal/llm"
)

// Defaults for Budget fields left at zero.
const (
	DefaultMaxIterations        = 10
	DefaultMaxContextTokens     = 20_000
	DefaultMaxBatchResultTokens = 40_000
	DefaultBatchSize            = 4
	DefaultInterBatchDelay      = 500 * time.Millisecond
)

// Budget bounds one loop run.
type Budget struct {
	// MaxIterations caps tool rounds per request.
	MaxIterations int
	// MaxContextTokens is the estimated history size that triggers trimming.
	MaxContextTokens int
	// MaxBatchResultTokens caps the estimated size of all tool results
	// fed back to the model in one request.
	MaxBatchResultTokens int
	// BatchSize is the number of tool calls between pacing delays.
	BatchSize int
	// InterBatchDelay is the pause after each full group of calls.
	InterBatchDelay time.Duration
}

// DefaultBudget returns the stock limits.
func DefaultBudget() Budget {
	return Budget{
		MaxIterations:        DefaultMaxIterations,
		MaxContextTokens:     DefaultMaxContextTokens,
		MaxBatchResultTokens: DefaultMaxBatchResultTokens,
		BatchSize:            DefaultBatchSize,
		InterBatchDelay:      DefaultInterBatchDelay,
	}
}

// withDefaults fills zero fields. A negative InterBatchDelay disables
// pacing.
func (b Budget) withDefaults() Budget {
	d := DefaultBudget()
	if b.MaxIterations <= 0 {
		b.MaxIterations = d.MaxIterations
	}
	if b.MaxContextTokens <= 0 {
		b.MaxContextTokens = d.MaxContextTokens
	}
	if b.MaxBatchResultTokens <= 0 {
		b.MaxBatchResultTokens = d.MaxBatchResultTokens
	}
	if b.BatchSize <= 0 {
		b.BatchSize = d.BatchSize
	}
	if b.InterBatchDelay == 0 {
		b.InterBatchDelay = d.InterBatchDelay
	}
	if b.InterBatchDelay < 0 {
		b.InterBatchDelay = 0
	}
	return b
}

// TerminationReason records why a loop run ended.
type TerminationReason int

const (
	TerminationNone TerminationReason = iota
	TerminationCompleted
	TerminationMaxIterations
	TerminationTokenBudget
	TerminationProviderError
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationNone:
		return "none"
	case TerminationCompleted:
		return "completed"
	case TerminationMaxIterations:
		return "max_iterations_reached"
	case TerminationTokenBudget:
		return "token_budget_exceeded"
	case TerminationProviderError:
		return "provider_error"
	default:
		return "unknown"
	}
}

// MarshalText renders the reason by name in JSON.
func (r TerminationReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ToolResult is the outcome of one tool call as fed back to the model.
type ToolResult struct {
	ToolCallID      string `json:"tool_call_id"`
	ToolName        string `json:"tool_name"`
	Success         bool   `json:"success"`
	Content         string `json:"content"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// IterationRecord captures one provider response.
type IterationRecord struct {
	Number    int       `json:"iteration"`
	Content   string    `json:"content"`
	ToolNames []string  `json:"tool_names,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the private working set of one loop run. It is never shared
// between requests.
type State struct {
	History                    []llm.Message
	IterationCount             int
	CumulativeToolResultTokens int
	Termination                TerminationReason
	Records                    []IterationRecord

	budgetExhausted bool
	decoupled       []string
	inputTokens     int
	outputTokens    int
	toolCalls       int
	archiveKeys     []string
}

func newState(history []llm.Message) *State {
	h := make([]llm.Message, len(history))
	copy(h, history)
	return &State{History: h}
}

func (s *State) record(content string, calls []llm.ToolCall) {
	rec := IterationRecord{
		Number:    len(s.Records),
		Content:   content,
		Timestamp: time.Now(),
	}
	if len(calls) > 0 {
		rec.ToolNames = llm.ToolNames(calls)
	}
	s.Records = append(s.Records, rec)
}

// Request is one top-level chat request.
type Request struct {
	RequestID   string
	Model       string
	Messages    []llm.Message
	Temperature *float64
	MaxTokens   int

	// OnDecoupled, if set, receives each decoupled text before the
	// requested tools run.
	OnDecoupled func(text string)
}

// Response is the final outcome of a loop run.
type Response struct {
	RequestID    string            `json:"request_id"`
	Model        string            `json:"model"`
	Content      string            `json:"content"`
	FinishReason string            `json:"finish_reason"`
	Termination  TerminationReason `json:"termination"`
	Iterations   int               `json:"iterations"`

	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	ToolCalls        int `json:"tool_calls"`
	ToolResultTokens int `json:"tool_result_tokens"`

	// Decoupled holds the user-visible text surfaced before each tool round.
	Decoupled []string          `json:"decoupled,omitempty"`
	Records   []IterationRecord `json:"records,omitempty"`
	// ArchiveKeys lists recovery keys for history dropped by trimming.
	ArchiveKeys []string      `json:"archive_keys,omitempty"`
	History     []llm.Message `json:"-"`
	Elapsed     time.Duration `json:"-"`
}
