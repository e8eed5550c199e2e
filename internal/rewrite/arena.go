// Package rewrite is the rewrite core: per-worker rule caches, matching,
// reanalysis of replacements, substitution, and the cache invalidation
// protocol driven through the worker registry.
//
// All shared state is reached through an explicit Arena handle. A Worker is
// the per-session half: it registers, loads its cache, polls its reload
// flag at statement boundaries and substitutes matching statements. Admin is
// the administrative half: it mutates the store and signals workers.
package rewrite

import (
	"log/slog"
	"time"

	"github.com/roach88/qrewrite/internal/metrics"
	"github.com/roach88/qrewrite/internal/registry"
	"github.com/roach88/qrewrite/internal/rules"
)

// DefaultHeartbeatInterval is how often a busy worker refreshes its registry entry.
const DefaultHeartbeatInterval = 10 * time.Second

// FailurePolicy decides what happens to a statement whose matched rule has
// an unusable replacement.
type FailurePolicy int

const (
	// FailStatement fails the statement and leaves it untouched.
	FailStatement FailurePolicy = iota

	// PassThrough logs the failure and runs the original statement.
	PassThrough
)

// String returns "strict" or "lenient".
func (p FailurePolicy) String() string {
	if p == PassThrough {
		return "lenient"
	}
	return "strict"
}

// Arena is the handle to the shared rewrite state.
type Arena struct {
	Store    rules.Store
	Registry registry.Registry
	Limits   rules.Limits
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	Policy            FailurePolicy
	HeartbeatInterval time.Duration
	Now               func() time.Time
	IDs               IDGenerator
}

// ArenaOption configures an Arena.
type ArenaOption func(*Arena)

// WithMetrics records telemetry on m.
func WithMetrics(m *metrics.Metrics) ArenaOption {
	return func(a *Arena) { a.Metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ArenaOption {
	return func(a *Arena) { a.Logger = l }
}

// WithPolicy sets the failure policy.
func WithPolicy(p FailurePolicy) ArenaOption {
	return func(a *Arena) { a.Policy = p }
}

// WithHeartbeatInterval sets how often workers heartbeat.
func WithHeartbeatInterval(d time.Duration) ArenaOption {
	return func(a *Arena) { a.HeartbeatInterval = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ArenaOption {
	return func(a *Arena) { a.Now = now }
}

// WithIDGenerator sets the worker id source.
func WithIDGenerator(g IDGenerator) ArenaOption {
	return func(a *Arena) { a.IDs = g }
}

// NewArena creates an Arena over store and reg.
func NewArena(store rules.Store, reg registry.Registry, limits rules.Limits, opts ...ArenaOption) *Arena {
	a := &Arena{
		Store:             store,
		Registry:          reg,
		Limits:            limits,
		Logger:            slog.Default(),
		HeartbeatInterval: DefaultHeartbeatInterval,
		Now:               time.Now,
		IDs:               UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Enabled reports whether rewriting is switched on at all.
func (a *Arena) Enabled() bool {
	return a.Limits.MaxRules > 0
}
