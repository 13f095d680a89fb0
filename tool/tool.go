// Package tool defines executable tools that agents invoke during
// turns, plus the registry backing dynamically constructed tools.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dygram/dygram-go/model"
)

// Tool is an executable unit the agent can call. Implementations
// validate their input, respect context cancellation, and return
// structured output.
type Tool interface {
	// Name returns the unique tool identifier, matching the ToolSpec
	// exposed to the model.
	Name() string

	// Call executes the tool. Input structure follows the tool's
	// schema; output can be any structured data.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Name implements Tool.
func (f *Func) Name() string { return f.ToolName }

// Call implements Tool.
func (f *Func) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f.Fn(ctx, input)
}

// Definition pairs a Tool with the spec advertised to the model.
type Definition struct {
	Spec model.ToolSpec
	Tool Tool
}

// Registry holds dynamic tool definitions keyed by name. Constructed
// tools registered mid-conversation become available on the agent's
// next turn.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Definition{}}
}

// Register installs or replaces a definition.
func (r *Registry) Register(def Definition) error {
	if def.Spec.Name == "" {
		return fmt.Errorf("tool spec requires a name")
	}
	if def.Tool == nil {
		return fmt.Errorf("tool %s has no implementation", def.Spec.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Spec.Name] = def
	return nil
}

// Get returns the named definition.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Specs returns every registered spec, sorted by name for stable tool
// lists across turns.
func (r *Registry) Specs() []model.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ToolSpec, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def.Spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	specs := r.Specs()
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}
