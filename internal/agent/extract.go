package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/loopgate/internal/llm"
	"github.com/nugget/loopgate/internal/tools"
)

// Extract returns the tool calls of a complete response, with an id
// assigned to any call the provider left unnamed.
func Extract(msg llm.Message) []llm.ToolCall {
	if len(msg.ToolCalls) == 0 {
		return nil
	}
	calls := make([]llm.ToolCall, len(msg.ToolCalls))
	copy(calls, msg.ToolCalls)
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = newCallID()
		}
	}
	return calls
}

func newCallID() string {
	return "call_" + uuid.NewString()[:8]
}

// Accumulator rebuilds tool calls from streamed fragments keyed by
// stream index.
type Accumulator struct {
	calls map[int]*llm.ToolCall
}

// Add merges one fragment. Arguments append; a later non-empty id or
// name replaces the earlier one.
func (a *Accumulator) Add(d llm.ToolCallDelta) {
	if a.calls == nil {
		a.calls = make(map[int]*llm.ToolCall)
	}
	tc, ok := a.calls[d.Index]
	if !ok {
		tc = &llm.ToolCall{Index: d.Index}
		a.calls[d.Index] = tc
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	if d.Name != "" {
		tc.Name = d.Name
	}
	tc.Arguments += d.Arguments
}

// Len returns the number of distinct calls seen so far.
func (a *Accumulator) Len() int {
	return len(a.calls)
}

// ToolCalls returns the accumulated calls ordered by stream index.
func (a *Accumulator) ToolCalls() []llm.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		tc := *a.calls[i]
		if tc.ID == "" {
			tc.ID = newCallID()
		}
		out = append(out, tc)
	}
	return out
}

// CleanArguments strips one stray trailing quote from an object some
// backends emit as {...}". Anything else is returned as is.
func CleanArguments(raw string) string {
	if len(raw) >= 2 && strings.HasPrefix(raw, "{") && strings.HasSuffix(raw, `"`) {
		return raw[:len(raw)-1]
	}
	return raw
}

// ParseArguments cleans and parses raw tool arguments. On failure it
// returns an empty object together with an error wrapping
// ErrInvalidToolArguments.
func ParseArguments(raw string) (tools.Args, error) {
	args, err := tools.ParseArgs(CleanArguments(raw))
	if err != nil {
		return tools.Args{}, fmt.Errorf("%w: %v", ErrInvalidToolArguments, err)
	}
	return args, nil
}
