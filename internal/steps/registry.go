package steps

import (
	"sort"
	"sync"

	"github.com/rendis/stagecraft/pkg/schema"
)

// Registry is a thread-safe lookup of steps by node type.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Step
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step. It fails on a duplicate type or when the step does
// not implement the contract of its declared mode.
func (r *Registry) Register(s Step) error {
	if s == nil {
		return schema.NewError(schema.ErrCodeValidation, "step is nil")
	}
	typ := s.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "step type is empty")
	}
	if err := checkContract(s); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q: %s", typ, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %q already registered", typ)
	}
	r.steps[typ] = s
	return nil
}

// Get retrieves the step for a node type.
func (r *Registry) Get(typ string) (Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.steps[typ]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeStepNotFound, "step %q not registered", typ)
	}
	return s, nil
}

// Mode returns the execution mode of a registered type.
func (r *Registry) Mode(typ string) (schema.ExecutionMode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.steps[typ]
	if !ok {
		return "", false
	}
	return s.Mode(), true
}

// Types returns all registered types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.steps))
	for t := range r.steps {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
