package agent

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nugget/loopgate/internal/llm"
)

// TokenEstimator approximates how many tokens a piece of text costs.
type TokenEstimator interface {
	Estimate(text string) int
}

// CharEstimator is the chars/4 heuristic used for every budget decision.
type CharEstimator struct{}

// Estimate returns len(text)/4.
func (CharEstimator) Estimate(text string) int {
	return len(text) / 4
}

// EstimateMessage is the cost of the content plus the concatenated
// tool-call argument strings, each estimated separately.
func EstimateMessage(e TokenEstimator, m llm.Message) int {
	n := e.Estimate(m.Content)
	if len(m.ToolCalls) > 0 {
		var args string
		for _, tc := range m.ToolCalls {
			args += tc.Arguments
		}
		n += e.Estimate(args)
	}
	return n
}

// EstimateMessages sums EstimateMessage over msgs.
func EstimateMessages(e TokenEstimator, msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(e, m)
	}
	return total
}

// TiktokenEstimator counts BPE tokens. It backs usage reporting when a
// provider does not return token counts; budgets always use the
// CharEstimator.
type TiktokenEstimator struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the encoding for model, falling back to
// cl100k_base for models tiktoken does not know.
func NewTiktokenEstimator(model string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding: %w", err)
		}
	}
	return &TiktokenEstimator{enc: enc}, nil
}

// Estimate returns the exact token count under the loaded encoding.
func (t *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}
