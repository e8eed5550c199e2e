// Package registry tracks the workers that hold a rule cache and carries the
// per-worker reload_pending flag used to invalidate those caches.
//
// A registry has a fixed capacity. Workers register on their first statement,
// heartbeat while alive and deregister on orderly close. Entries whose worker
// died without deregistering are reclaimed by a liveness check, either on
// demand (Reclaim, or implicitly when Register finds the registry full) or by
// a background reaper.
//
// ConsumeReload is an atomic test-and-clear: a reload request observed by a
// worker is never lost and never observed twice.
package registry

import (
	"context"
	"errors"
	"time"
)

// DefaultCapacity is the number of workers a registry admits by default.
const DefaultCapacity = 128

// DefaultHeartbeatTTL is how long an entry survives without a heartbeat.
const DefaultHeartbeatTTL = 30 * time.Second

var (
	// ErrRegistryFull is returned by Register when no slot is free, even
	// after reclaiming stale entries.
	ErrRegistryFull = errors.New("worker registry is full")

	// ErrUnknownWorker is returned for a worker id without an entry, usually
	// because the entry was reclaimed.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Entry is one registered worker.
type Entry struct {
	WorkerID      string    `json:"worker_id"`
	ReloadPending bool      `json:"reload_pending"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// Registry is the shared worker table.
type Registry interface {
	// Register admits workerID with a clear reload flag. Registering an
	// existing id refreshes its heartbeat.
	Register(ctx context.Context, workerID string) error

	// Deregister removes workerID. Unknown ids are ignored.
	Deregister(ctx context.Context, workerID string) error

	// Heartbeat refreshes the liveness of workerID.
	Heartbeat(ctx context.Context, workerID string) error

	// ConsumeReload atomically reads and clears the reload flag of workerID.
	ConsumeReload(ctx context.Context, workerID string) (bool, error)

	// RequestReload sets the reload flag of workerID.
	RequestReload(ctx context.Context, workerID string) error

	// RequestReloadAll sets the reload flag of every registered worker and
	// returns how many were signalled.
	RequestReloadAll(ctx context.Context) (int, error)

	// Entries returns a snapshot ordered by registration time, then id.
	Entries(ctx context.Context) ([]Entry, error)

	// Reclaim removes stale entries and returns how many were removed.
	Reclaim(ctx context.Context) (int, error)

	// Capacity returns the maximum number of entries.
	Capacity() int
}
