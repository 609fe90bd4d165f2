package spec

import (
	"sort"
	"sync"

	"github.com/fieldflow/fieldflow/errors"
)

// Registry holds the task specs a process serves, keyed by task name.
// Registration happens during init, lookups after.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*TaskSpec
}

// NewRegistry creates an empty task spec registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*TaskSpec)}
}

// Register validates a spec and adds it. Registering two specs under
// the same task name is a programming error and panics.
func (r *Registry) Register(s *TaskSpec) {
	if err := s.Validate(); err != nil {
		panic(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[s.TaskName]; exists {
		panic(errors.Newf("task spec %q registered twice", s.TaskName))
	}
	r.specs[s.TaskName] = s
}

// Get returns the spec for a task name.
func (r *Registry) Get(taskName string) (*TaskSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[taskName]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "no task spec named %q", taskName)
	}
	return s, nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// defaultRegistry serves the built-in task specs registered by the
// steps packages.
var defaultRegistry = NewRegistry()

// Register adds a spec to the default registry.
func Register(s *TaskSpec) { defaultRegistry.Register(s) }

// Get looks up a spec in the default registry.
func Get(taskName string) (*TaskSpec, error) { return defaultRegistry.Get(taskName) }

// Names lists the default registry's task names.
func Names() []string { return defaultRegistry.Names() }
