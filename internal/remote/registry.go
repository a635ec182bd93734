package remote

import (
	"fmt"
	"sort"
	"sync"
)

// Backend bundles the APIs one remote exposes. Docs and Sheets may be nil
// when the backend cannot replay structured edits, Lister when it cannot list.
type Backend struct {
	Name   string
	Files  FileAPI
	Docs   DocumentAPI
	Sheets SpreadsheetAPI
	Lister FileLister
}

// Registry holds the configured backends; the first one registered is primary.
type Registry struct {
	backends map[string]*Backend
	primary  string
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]*Backend)}
}

// Register adds b. Names are unique.
func (r *Registry) Register(b *Backend) error {
	if b == nil || b.Name == "" || b.Files == nil {
		return fmt.Errorf("backend needs a name and a file API")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Name]; exists {
		return fmt.Errorf("backend '%s' already registered", b.Name)
	}
	r.backends[b.Name] = b
	if r.primary == "" {
		r.primary = b.Name
	}
	return nil
}

// Get returns the backend by name.
func (r *Registry) Get(name string) (*Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Primary returns the primary backend, or nil when none is registered.
func (r *Registry) Primary() *Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.primary == "" {
		return nil
	}
	return r.backends[r.primary]
}

// SetPrimary selects the backend the sync core talks to.
func (r *Registry) SetPrimary(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; !exists {
		return fmt.Errorf("backend '%s' not found", name)
	}
	r.primary = name
	return nil
}
