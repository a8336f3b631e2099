package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// JobFunc is a unit of background work. It gets the submitted parameters and
// returns the result payload to deliver with the completed record.
type JobFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Registry maps job names to their implementations, thread safe
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]JobFunc
}

// NewRegistry creates a registry pre-loaded with the builtin jobs
func NewRegistry() *Registry {
	r := &Registry{funcs: map[string]JobFunc{}}
	r.Register("greet", greetJob)
	return r
}

// Register adds or replaces a job function under the given name
func (r *Registry) Register(name string, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Get returns the job function for name
func (r *Registry) Get(name string) (JobFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("job %q is not registered", name)
	}
	return fn, nil
}

// List returns registered job names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// greetJob builds a greeting from the "name" parameter
func greetJob(_ context.Context, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	return map[string]any{"result": fmt.Sprintf("Hello %s...!", name)}, nil
}
