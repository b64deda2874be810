package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicatePool is returned when a name is registered twice.
var ErrDuplicatePool = errors.New("pool: duplicate name")

// Managed is the type-erased view of a Pool that a Manager holds.
type Managed interface {
	Name() string
	HealthCheck(ctx context.Context) error
	Stats() Stats
	Close() error
}

// Manager holds named pools for the backends of one process. It is built
// explicitly and passed to whoever needs it.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]Managed
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]Managed)}
}

// Register adds a pool under its name.
func (m *Manager) Register(p Managed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePool, p.Name())
	}
	m.pools[p.Name()] = p
	return nil
}

// Get returns the pool registered under name.
func (m *Manager) Get(name string) (Managed, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Lookup returns the typed pool registered under name. It reports false when
// no pool has that name or its connection type is not C.
func Lookup[C any](m *Manager, name string) (*Pool[C], bool) {
	p, ok := m.Get(name)
	if !ok {
		return nil, false
	}
	typed, ok := p.(*Pool[C])
	return typed, ok
}

// Names returns the registered pool names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.pools))
	for name := range m.pools {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// HealthCheck acquires and releases one connection from every pool and
// reports per-name health.
func (m *Manager) HealthCheck(ctx context.Context) map[string]bool {
	m.mu.RLock()
	pools := make([]Managed, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	result := make(map[string]bool, len(pools))
	for _, p := range pools {
		result[p.Name()] = p.HealthCheck(ctx) == nil
	}
	return result
}

// Stats returns stats for every pool keyed by name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.pools))
	for name, p := range m.pools {
		out[name] = p.Stats()
	}
	return out
}

// Close closes every pool and forgets them.
func (m *Manager) Close() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]Managed)
	m.mu.Unlock()

	var errs []error
	for name, p := range pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
