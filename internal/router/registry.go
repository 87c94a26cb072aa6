package router

import (
	"context"
	"fmt"
	"sort"

	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
)

// Outcome is what a tool handler produces: the structured action and, for
// tools that also explain themselves, the generation request that streams
// the explanation.
type Outcome struct {
	Action  model.ActionResult
	Explain *llm.GenerateRequest
}

// Handler executes one declared tool. Handlers are cheap lookups; they must
// not call the generation backend themselves.
type Handler interface {
	Spec() llm.ToolSpec
	Handle(ctx context.Context, inv model.ToolInvocation) (Outcome, error)
}

// Registry maps tool names to handlers. It is built once at startup and
// read-only afterwards.
type Registry struct {
	handlers map[string]Handler
	specs    []llm.ToolSpec
}

// NewRegistry builds a registry. Duplicate names are a programming error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		spec := h.Spec()
		if spec.Name == "" {
			return nil, fmt.Errorf("router: handler %T has no name", h)
		}
		if _, dup := r.handlers[spec.Name]; dup {
			return nil, fmt.Errorf("router: duplicate tool %q", spec.Name)
		}
		r.handlers[spec.Name] = h
		r.specs = append(r.specs, spec)
	}
	sort.Slice(r.specs, func(i, j int) bool { return r.specs[i].Name < r.specs[j].Name })
	return r, nil
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Specs returns the declared tool schemas sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	return r.specs
}
