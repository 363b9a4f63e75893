package saga

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps saga type names to their managers. Commands and load
// requests name a saga type; the registry is how the scheduler finds the
// manager that owns it.
type Registry struct {
	sagas *xsync.MapOf[string, *Saga]
}

// NewRegistry creates a registry holding sagas.
func NewRegistry(sagas ...*Saga) (*Registry, error) {
	r := &Registry{
		sagas: xsync.NewMapOf[string, *Saga](),
	}
	for _, s := range sagas {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a saga to the registry.
func (r *Registry) Register(s *Saga) error {
	if _, loaded := r.sagas.LoadOrStore(s.Name(), s); loaded {
		return fmt.Errorf("saga with name '%s' already registered", s.Name())
	}
	return nil
}

// Get retrieves a saga by its name.
func (r *Registry) Get(name string) (*Saga, error) {
	s, ok := r.sagas.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSagaNotFound, name)
	}
	return s, nil
}

// All returns every registered saga ordered by name.
func (r *Registry) All() []*Saga {
	out := make([]*Saga, 0, r.sagas.Size())
	r.sagas.Range(func(_ string, s *Saga) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// InstanceCount returns the number of active instances across all sagas.
func (r *Registry) InstanceCount() int {
	n := 0
	r.sagas.Range(func(_ string, s *Saga) bool {
		n += s.InstanceCount()
		return true
	})
	return n
}
