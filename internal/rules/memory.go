package rules

import (
	"context"
	"slices"
	"sync"
)

// Memory is a fixed-capacity Rule Store held in process memory.
//
// It models the shared-memory rule array: capacity is fixed at construction,
// mutations take the write lock, List takes the read lock.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	limits Limits
	rules  []Rule
	nextID ID
}

// NewMemory creates an empty store with the given limits.
func NewMemory(limits Limits) *Memory {
	return &Memory{
		limits: limits,
		rules:  make([]Rule, 0, max(limits.MaxRules, 0)),
	}
}

// Add appends a new enabled rule.
func (m *Memory) Add(ctx context.Context, source, target, scope string) (ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.limits.CheckCapacity(len(m.rules)); err != nil {
		return 0, err
	}
	if err := m.limits.CheckText(source, target); err != nil {
		return 0, err
	}

	m.nextID++
	m.rules = append(m.rules, Rule{
		ID:      m.nextID,
		Scope:   scope,
		Source:  source,
		Target:  target,
		Enabled: true,
	})
	return m.nextID, nil
}

// Remove deletes the first rule whose source equals source (shift-left).
func (m *Memory) Remove(ctx context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(source)
	if i < 0 {
		return NewNotFoundError(source)
	}
	m.rules = slices.Delete(m.rules, i, i+1)
	return nil
}

// Truncate removes all rules.
func (m *Memory) Truncate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules = m.rules[:0]
	return nil
}

// List returns a copy of all rules in registration order.
func (m *Memory) List(ctx context.Context) ([]Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out, nil
}

// IncrementRewriteCount adds one to the counter of rule id.
func (m *Memory) IncrementRewriteCount(ctx context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.rules {
		if m.rules[i].ID == id {
			m.rules[i].RewriteCount++
			return nil
		}
	}
	return NewRuleGoneError(id)
}

// SetEnabled sets the enabled flag of the first rule with the given source.
func (m *Memory) SetEnabled(ctx context.Context, source string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(source)
	if i < 0 {
		return NewNotFoundError(source)
	}
	m.rules[i].Enabled = enabled
	return nil
}

// indexOf returns the position of the first rule with the given source, or -1.
// Caller must hold the lock.
func (m *Memory) indexOf(source string) int {
	return slices.IndexFunc(m.rules, func(r Rule) bool { return r.Source == source })
}
