package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/snehjoshi/epochstore/internal/types"
)

var (
	ErrQueueExists   = errors.New("queue already exists")
	ErrQueueNotFound = errors.New("queue not found")
)

// Catalog lists the queues registered with a store.
type Catalog interface {
	Queues() []types.QueueDescriptor
}

// ─── Manager ─────────────────────────────────────────────────────────────────

// Manager owns the lifecycle of all Queue instances over one store.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu     sync.RWMutex
	queues map[string]*Queue // name → *Queue
	store  Store
	defCfg Config
	logger *slog.Logger
}

// NewManager creates a Manager. defCfg is applied to every queue it opens.
func NewManager(store Store, defCfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queues: make(map[string]*Queue),
		store:  store,
		defCfg: defCfg,
		logger: logger,
	}
}

// OpenAll opens every queue in cat, restoring its persisted elements.
func (m *Manager) OpenAll(ctx context.Context, cat Catalog) error {
	for _, desc := range cat.Queues() {
		if _, err := m.GetOrCreate(ctx, desc); err != nil {
			return err
		}
	}
	return nil
}

// GetOrCreate returns the live Queue for desc, opening it first if needed.
func (m *Manager) GetOrCreate(ctx context.Context, desc types.QueueDescriptor) (*Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[desc.IdentityKey()]
	m.mu.RUnlock()
	if ok {
		return q, nil
	}
	return m.open(ctx, desc)
}

// Create opens a new queue. Returns ErrQueueExists if desc is already open.
func (m *Manager) Create(ctx context.Context, desc types.QueueDescriptor) (*Queue, error) {
	m.mu.RLock()
	_, exists := m.queues[desc.IdentityKey()]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrQueueExists, desc.Name)
	}
	return m.open(ctx, desc)
}

// Get returns the live Queue called name, or ErrQueueNotFound.
func (m *Manager) Get(name string) (*Queue, error) {
	m.mu.RLock()
	q, ok := m.queues[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return q, nil
}

// Delete destroys the queue called name and its persisted elements.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	delete(m.queues, name)
	m.mu.Unlock()
	return q.Destroy()
}

// List returns the names of the open queues, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.queues))
	for k := range m.queues {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// QueueSnapshot is a point-in-time view of a single queue's depth counters.
type QueueSnapshot struct {
	Name     string `json:"name"`
	Ready    int    `json:"ready"`
	InFlight int    `json:"in_flight"`
}

// AllStats returns the depth of every open queue, by name.
func (m *Manager) AllStats() []QueueSnapshot {
	m.mu.RLock()
	qs := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		qs = append(qs, q)
	}
	m.mu.RUnlock()

	out := make([]QueueSnapshot, 0, len(qs))
	for _, q := range qs {
		out = append(out, QueueSnapshot{Name: q.desc.Name, Ready: q.Len(), InFlight: q.InFlightCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes every queue. Their persisted elements stay in the store.
func (m *Manager) Close() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()

	for _, q := range queues {
		q.Close()
	}
}

// open builds the Queue under the write lock.
func (m *Manager) open(ctx context.Context, desc types.QueueDescriptor) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check under write lock.
	if q, ok := m.queues[desc.IdentityKey()]; ok {
		return q, nil
	}
	q, err := Open(ctx, m.store, desc, m.defCfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.queues[desc.IdentityKey()] = q
	return q, nil
}
