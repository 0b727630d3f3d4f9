// Package tool defines the capability contract every executable tool
// implements and the registry the execution loop dispatches through.
package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateTool is returned when a tool name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

// Tool is the uniform capability contract. Call returns a structured
// result-string encoding {status, message, details}; errors and panics are
// absorbed by the caller as failed outcomes, they never abort an execution.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, input string) (string, error)
}

// Registry maps tool names to implementations. Registration happens once at
// startup before any query runs, so reads are plain map lookups.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its own name.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name resolves to a registered tool.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// List returns all tools in registration order.
func (r *Registry) List() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Describe renders the "- name: description" digest planning prompts embed.
// With no arguments it covers the whole registry; otherwise only the named
// tools, skipping names that are not registered.
func (r *Registry) Describe(names ...string) string {
	if len(names) == 0 {
		names = r.order
	}
	var b strings.Builder
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Name(), t.Description())
	}
	return b.String()
}
