// Package tools defines the tool registry and the built-in tools the
// feedback loop can invoke.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nugget/loopgate/internal/llm"
)

// Handler runs one tool invocation and returns the text shown to the model.
type Handler func(ctx context.Context, args Args) (string, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Result is the outcome of one tool invocation. Failures are results
// too: the model sees the error text in-band.
type Result struct {
	Success bool
	Content string
}

// Registry holds available tools. Registration happens at startup;
// lookups are safe for concurrent use by many requests.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Schemas returns tool definitions for the provider, sorted by name so
// the request body is stable across calls.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a tool by name. The returned Result is always usable as
// a tool message; err classifies failures (*NotFoundError or
// *ExecutionError) for callers that need to tell them apart.
func (r *Registry) Execute(ctx context.Context, name string, args Args) (res Result, err error) {
	tool, ok := r.Get(name)
	if !ok {
		nf := &NotFoundError{ToolName: name}
		return Result{Content: "Error: " + nf.Error()}, nf
	}

	defer func() {
		if p := recover(); p != nil {
			ee := &ExecutionError{Tool: name, Reason: fmt.Sprintf("panic: %v", p)}
			res, err = Result{Content: "Error: " + ee.Reason}, ee
		}
	}()

	if args == nil {
		args = Args{}
	}
	out, herr := tool.Handler(ctx, args)
	if herr != nil {
		ee := &ExecutionError{Tool: name, Reason: herr.Error(), Err: herr}
		return Result{Content: "Error: " + herr.Error()}, ee
	}
	return Result{Success: true, Content: out}, nil
}
