package module

import (
	"fmt"
	"sort"
	"sync"

	"github.com/reconforge/reconforge/pkg/event"
)

// Registry is the process-wide table of module factories. It is
// read-only after startup: register everything before running scans.
// Scans never share instances; each resolved module is constructed
// fresh via its factory.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a module factory under the name reported by a
// throwaway instance. Registering the same name twice is an error.
func (r *Registry) Register(f Factory) error {
	name := f().Name()
	if name == "" {
		return fmt.Errorf("%w: empty module name", ErrConfig)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for init-time wiring of built-ins.
func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// New constructs a fresh instance of the named module.
func (r *Registry) New(name string) (Module, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return f(), nil
}

// Names lists registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns metadata for the named module from a throwaway
// instance (WatchedEvents/ProducedEvents/Options are pure pre-Setup).
func (r *Registry) Describe(name string) (Info, error) {
	m, err := r.New(name)
	if err != nil {
		return Info{}, err
	}
	return Info{
		Name:     m.Name(),
		Summary:  m.Summary(),
		Watched:  m.WatchedEvents(),
		Produced: m.ProducedEvents(),
		Options:  m.Options(),
	}, nil
}

// Info is the static descriptor of a registered module.
type Info struct {
	Name     string       `json:"name"`
	Summary  string       `json:"summary"`
	Watched  []event.Type `json:"watched"`
	Produced []event.Type `json:"produced"`
	Options  []Option     `json:"options,omitempty"`
}

// Resolve computes the module set for a scan seeded with the given
// event type: the transitive closure of modules reachable from the
// seed. A module is reachable when it watches a reachable type (or
// declares a wildcard subscription); its produced types then become
// reachable in turn. selection, when non-empty, restricts the candidate
// pool by name; unknown names are an error.
//
// Modules with no path from the seed are left out, which is also how
// dead modules (watching types nothing produces) are detected.
func (r *Registry) Resolve(seed event.Type, selection []string) ([]string, error) {
	candidates := r.Names()
	if len(selection) > 0 {
		r.mu.RLock()
		for _, name := range selection {
			if _, ok := r.factories[name]; !ok {
				r.mu.RUnlock()
				return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
			}
		}
		r.mu.RUnlock()
		candidates = append([]string(nil), selection...)
		sort.Strings(candidates)
	}

	type meta struct {
		watched  []event.Type
		produced []event.Type
		wildcard bool
	}
	pool := make(map[string]meta, len(candidates))
	for _, name := range candidates {
		info, err := r.Describe(name)
		if err != nil {
			return nil, err
		}
		m := meta{watched: info.Watched, produced: info.Produced}
		for _, t := range info.Watched {
			if t == event.TypeWildcard {
				m.wildcard = true
			}
		}
		pool[name] = m
	}

	reachable := map[event.Type]bool{seed: true}
	chosen := make(map[string]bool)
	for {
		grew := false
		for _, name := range candidates {
			if chosen[name] {
				continue
			}
			m := pool[name]
			hit := m.wildcard
			for _, t := range m.watched {
				if reachable[t] {
					hit = true
					break
				}
			}
			if !hit {
				continue
			}
			chosen[name] = true
			grew = true
			for _, t := range m.produced {
				reachable[t] = true
			}
		}
		if !grew {
			break
		}
	}

	out := make([]string, 0, len(chosen))
	for name := range chosen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}
