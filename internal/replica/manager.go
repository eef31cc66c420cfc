package replica

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/roach88/notesync/internal/store"
)

// Manager opens and caches replicas of one backend by document name.
type Manager struct {
	backend store.Backend
	opts    []Option

	mu       sync.Mutex
	replicas map[string]*Replica
}

// NewManager returns a Manager; opts apply to every replica it opens.
func NewManager(backend store.Backend, opts ...Option) *Manager {
	return &Manager{
		backend:  backend,
		opts:     opts,
		replicas: make(map[string]*Replica),
	}
}

// Backend returns the backend replicas persist to.
func (m *Manager) Backend() store.Backend { return m.backend }

// Open returns the cached replica for name, loading it on first use.
func (m *Manager) Open(ctx context.Context, name string) (*Replica, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.replicas[name]; ok {
		return r, nil
	}
	r, err := Open(ctx, m.backend, name, m.opts...)
	if err != nil {
		return nil, err
	}
	m.replicas[name] = r
	return r, nil
}

// Get returns a cached replica without loading it.
func (m *Manager) Get(name string) (*Replica, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replicas[name]
	return r, ok
}

// Names returns the names of cached replicas, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.replicas))
	for n := range m.replicas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Release flushes, closes and forgets one replica.
func (m *Manager) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	r, ok := m.replicas[name]
	delete(m.replicas, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Close(ctx)
}

// FlushAll flushes every cached replica and joins their errors.
func (m *Manager) FlushAll(ctx context.Context) error {
	var errList []error
	for _, r := range m.snapshot() {
		if err := r.Flush(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// Close closes every cached replica.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	replicas := m.replicas
	m.replicas = make(map[string]*Replica)
	m.mu.Unlock()

	var errList []error
	for _, r := range replicas {
		if err := r.Close(ctx); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (m *Manager) snapshot() []*Replica {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Replica, 0, len(m.replicas))
	for _, r := range m.replicas {
		out = append(out, r)
	}
	return out
}
