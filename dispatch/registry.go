// Package dispatch implements uniform tool invocation: registry lookup,
// schema validation, policy gating, timeout enforcement, a single bounded
// retry, and normalization of every failure into a typed ToolResult. No raw
// fault ever crosses from a tool handler to the engine.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlmesh/crawlmesh/core"
)

// Handler executes a single tool invocation. Implementations must honor ctx
// cancellation so timed-out work releases its resources, and must not mutate
// args.
type Handler interface {
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Entry is one registered tool: its handler, argument schema, timeout budget
// and retry allowance.
type Entry struct {
	Name        string
	Description string
	// Schema is a JSON schema object validated against call args.
	Schema map[string]any
	// Timeout bounds one handler invocation. Zero uses the dispatcher's
	// process-wide default.
	Timeout time.Duration
	// Retries is the number of immediate re-attempts permitted after a
	// retriable failure. The dispatcher caps this at 1.
	Retries int
	Handler Handler
}

// Registry resolves tool names to entries. Implementations must be safe for
// concurrent use.
type Registry interface {
	// Resolve returns the entry for name, or a tool_unavailable error.
	Resolve(name string) (Entry, error)
	// Names lists registered tool names, sorted.
	Names() []string
}

// InMemoryRegistry is the standard mutable Registry.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{entries: make(map[string]Entry)}
}

// Register adds or replaces a tool entry. An entry without a name or a
// handler would be unreachable through dispatch and is rejected.
func (r *InMemoryRegistry) Register(e Entry) error {
	if e.Name == "" {
		return core.NewError(core.ErrCodeValidation, "tool entry has no name")
	}
	if e.Handler == nil {
		return core.NewError(core.ErrCodeValidation, "tool '%s' has no handler", e.Name)
	}
	if e.Retries == 0 {
		e.Retries = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Name] = e
	return nil
}

// Resolve implements Registry.
func (r *InMemoryRegistry) Resolve(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, core.NewError(core.ErrCodeToolUnavailable, "tool '%s' not found in registry", name)
	}
	return e, nil
}

// Names implements Registry.
func (r *InMemoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
