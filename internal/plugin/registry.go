package plugin

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"

	"lodestone/internal/domain"
)

// Compile-time check: Registry implements domain.PluginRegistry.
var _ domain.PluginRegistry = (*Registry)(nil)

// Registry holds the plugins the host may call, in registration order.
// Plugin ids matching a disabled pattern are refused.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	plugins  map[string]domain.Plugin
	disabled []glob.Glob
}

// NewRegistry creates a registry that refuses ids matching any of the
// disabled glob patterns.
func NewRegistry(disabled []string) (*Registry, error) {
	r := &Registry{plugins: make(map[string]domain.Plugin)}
	for _, pattern := range disabled {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: disabled pattern %q: %v", domain.ErrInvalidInput, pattern, err)
		}
		r.disabled = append(r.disabled, g)
	}
	return r, nil
}

// Register adds p after all previously registered plugins.
func (r *Registry) Register(p domain.Plugin) error {
	if p.ID == "" {
		return domain.NewSubSystemError("plugin", "Registry.Register", domain.ErrInvalidInput, "plugin id is empty")
	}
	if r.Disabled(p.ID) {
		return domain.NewSubSystemError("plugin", "Registry.Register", domain.ErrDisabled, p.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID]; exists {
		return domain.NewSubSystemError("plugin", "Registry.Register", domain.ErrDuplicate, p.ID)
	}
	r.plugins[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// Disabled reports whether id matches a disabled pattern.
func (r *Registry) Disabled(id string) bool {
	for _, g := range r.disabled {
		if g.Match(id) {
			return true
		}
	}
	return false
}

// Get returns the plugin registered under id.
func (r *Registry) Get(id string) (domain.Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// List returns all plugins in registration order.
func (r *Registry) List() []domain.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Plugin, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.plugins[id])
	}
	return result
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
