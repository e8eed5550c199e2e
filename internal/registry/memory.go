package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Registry.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	alive    func(workerID string) bool
	entries  map[string]*Entry
}

var _ Registry = (*Memory)(nil)

// MemoryOption configures a Memory registry.
type MemoryOption func(*Memory)

// WithTTL sets how long an entry survives without a heartbeat.
// Zero disables time-based reclamation.
func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) { m.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithLiveness installs a probe consulted during reclamation. Entries for
// which alive returns false are stale regardless of their heartbeat.
func WithLiveness(alive func(workerID string) bool) MemoryOption {
	return func(m *Memory) { m.alive = alive }
}

// NewMemory creates a registry with room for capacity workers.
func NewMemory(capacity int, opts ...MemoryOption) *Memory {
	m := &Memory{
		capacity: capacity,
		ttl:      DefaultHeartbeatTTL,
		now:      time.Now,
		entries:  make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Capacity implements Registry.
func (m *Memory) Capacity() int {
	return m.capacity
}

// Register implements Registry.
func (m *Memory) Register(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[workerID]; ok {
		e.LastSeen = now
		return nil
	}
	if len(m.entries) >= m.capacity {
		m.reclaimLocked(now)
		if len(m.entries) >= m.capacity {
			return ErrRegistryFull
		}
	}
	m.entries[workerID] = &Entry{WorkerID: workerID, RegisteredAt: now, LastSeen: now}
	return nil
}

// Deregister implements Registry.
func (m *Memory) Deregister(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, workerID)
	return nil
}

// Heartbeat implements Registry.
func (m *Memory) Heartbeat(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	e.LastSeen = m.now()
	return nil
}

// ConsumeReload implements Registry.
func (m *Memory) ConsumeReload(ctx context.Context, workerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[workerID]
	if !ok {
		return false, ErrUnknownWorker
	}
	pending := e.ReloadPending
	e.ReloadPending = false
	return pending, nil
}

// RequestReload implements Registry.
func (m *Memory) RequestReload(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[workerID]
	if !ok {
		return ErrUnknownWorker
	}
	e.ReloadPending = true
	return nil
}

// RequestReloadAll implements Registry.
func (m *Memory) RequestReloadAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		e.ReloadPending = true
	}
	return len(m.entries), nil
}

// Entries implements Registry.
func (m *Memory) Entries(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out, nil
}

// Reclaim implements Registry.
func (m *Memory) Reclaim(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaimLocked(m.now()), nil
}

// reclaimLocked removes stale entries. Caller must hold the lock.
func (m *Memory) reclaimLocked(now time.Time) int {
	removed := 0
	for id, e := range m.entries {
		if m.stale(e, now) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

func (m *Memory) stale(e *Entry, now time.Time) bool {
	if m.alive != nil && !m.alive(e.WorkerID) {
		return true
	}
	return m.ttl > 0 && now.Sub(e.LastSeen) > m.ttl
}

func sortEntries(entries []Entry) {
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.RegisteredAt.Compare(b.RegisteredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.WorkerID, b.WorkerID)
	})
}
