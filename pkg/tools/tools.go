// Package tools holds the tool registry and the executor that runs
// extracted tool calls against registered handlers.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/stewardlabs/steward/pkg/stream"
)

// Handler executes one tool call and returns its textual result.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Definition describes a registered tool: its wire-visible schema plus
// the handler that backs it.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
	Handler     Handler
}

// Registry is the set of tools available to a session. Registration
// happens at startup; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds a tool. Registering an empty name or nil handler is a
// programming error and fails.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q is already registered", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Get returns a tool definition by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Schemas returns the registry as provider-facing tool schemas.
func (r *Registry) Schemas() []stream.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]stream.ToolSchema, 0, len(r.tools))
	for _, def := range r.tools {
		schemas = append(schemas, stream.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	return schemas
}
