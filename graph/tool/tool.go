// Package tool defines named, callable capabilities that workflow nodes use
// to reach external systems: knowledge lookups, HTTP services, model
// servers.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownTool is returned by Registry.Call for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is an executable capability with structured input and output.
//
// Implementations should:
//   - Validate input parameters
//   - Respect context cancellation and timeouts
//   - Return structured output as map[string]interface{}
//
// Example implementation:
//
//	type PrecautionsTool struct{ idx *retrieval.MemoryIndex }
//
//	func (p *PrecautionsTool) Name() string { return "disease_precautions_lookup" }
//
//	func (p *PrecautionsTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
//	    disease, ok := input["disease"].(string)
//	    if !ok || disease == "" {
//	        return nil, errors.New("disease parameter required")
//	    }
//	    ...
//	}
type Tool interface {
	// Name returns the unique identifier for this tool, lowercase with
	// underscores (for example "symptom_disease_matcher").
	Name() string

	// Call executes the tool. input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Func adapts a function to the Tool interface.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Name implements Tool.
func (f Func) Name() string { return f.ToolName }

// Call implements Tool.
func (f Func) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f.Fn(ctx, input)
}

// Registry holds tools by name. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be non-empty and unique.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool cannot be nil")
	}
	name := t.Name()
	if name == "" {
		return errors.New("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("duplicate tool: %s", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes the tool registered under name.
func (r *Registry) Call(ctx context.Context, name string, input map[string]interface{}) (map[string]interface{}, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	out, err := t.Call(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return out, nil
}
