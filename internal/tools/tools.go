// Package tools defines the tool contract the engine dispatches against
// and the built-in tools every agent mounts.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	v1 "github.com/tentickle/tentickle/pkg/api/v1"
)

// SpawnOptions parameterize a child session started by a tool.
type SpawnOptions struct {
	Label    string
	MaxTicks int
}

// SpawnFunc starts a child session running the named app and blocks
// until it completes, returning the child's final assistant text.
type SpawnFunc func(ctx context.Context, app, input string, opts SpawnOptions) (string, error)

// ConfirmFunc suspends the tool until the user answers the prompt.
type ConfirmFunc func(ctx context.Context, prompt string) (bool, error)

// RunContext carries the per-invocation environment a tool executes in.
// Spawn and Confirm are nil when the host does not support them.
type RunContext struct {
	SessionID   string
	ExecutionID string
	Workspace   string
	Spawn       SpawnFunc
	Confirm     ConfirmFunc
}

// Result is what a tool invocation produced. Done asks the engine to end
// the execution after this tick regardless of the continuation predicate.
type Result struct {
	Blocks  []v1.ContentBlock
	IsError bool
	Done    bool
}

// TextResult wraps plain text in a successful Result.
func TextResult(text string) *Result {
	return &Result{Blocks: []v1.ContentBlock{v1.TextBlock(text)}}
}

// ErrorResult wraps an error message in a failed Result. Tool failures
// are conversation content, not engine errors.
func ErrorResult(text string) *Result {
	return &Result{Blocks: []v1.ContentBlock{v1.TextBlock(text)}, IsError: true}
}

// Tool is a named capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, rc RunContext, input json.RawMessage) (*Result, error)
}

// Registry holds the tools mounted on a session.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
