package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps step names to executors. It replaces any process-wide
// singleton: construct one, register handlers, and hand it to the
// orchestrator. Registration and lookup are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]StepExecutor)}
}

// Register binds a step name to an executor. Empty names, nil executors and
// duplicate registrations are configuration errors.
func (r *Registry) Register(name string, exec StepExecutor) error {
	if name == "" {
		return fmt.Errorf("executor name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor for %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		return fmt.Errorf("executor %q already registered", name)
	}
	r.executors[name] = exec
	return nil
}

// Get returns the executor bound to the name.
func (r *Registry) Get(name string) (StepExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[name]
	return exec, ok
}

// Names returns the registered step names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate confirms every given step name has a registered executor. An
// unknown handler is fatal at registration time, not at dispatch time.
func (r *Registry) Validate(stepNames []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range stepNames {
		if _, ok := r.executors[name]; !ok {
			return fmt.Errorf("no executor registered for step %q", name)
		}
	}
	return nil
}
