package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/qrewrite/internal/metrics"
	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/registry"
	"github.com/roach88/qrewrite/internal/rules"
	"github.com/roach88/qrewrite/internal/sqlparse"
)

// State is a worker's position in the cache lifecycle.
type State int32

const (
	// StateUninitialized: not registered, or registered with no cache load yet.
	StateUninitialized State = iota
	// StateLoading: a cache load is in progress.
	StateLoading
	// StateReady: a cache is loaded and used for matching.
	StateReady
	// StateDisabled: the rule store is unavailable, or the first load failed.
	StateDisabled
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDisabled:
		return "disabled"
	default:
		return "uninitialized"
	}
}

// Worker is one session's half of the rewrite core. A host drives it one
// statement at a time.
type Worker struct {
	arena      *Arena
	id         string
	scope      string
	parser     *sqlparse.Parser
	reanalyzer *Reanalyzer
	logger     *slog.Logger

	// loading guards against reentrant loads; it is checked before mu so a
	// statement issued while loading passes through instead of deadlocking.
	loading atomic.Bool
	state   atomic.Int32

	mu            sync.Mutex
	registered    bool
	closed        bool
	retrying      bool
	cache         *Cache
	lastHeartbeat time.Time
}

// NewWorker creates a worker for scope. parser must be the parser the host
// uses for incoming statements.
func (a *Arena) NewWorker(scope string, parser *sqlparse.Parser, analyzer *query.Analyzer) *Worker {
	id := a.IDs.Generate()
	return &Worker{
		arena:      a,
		id:         id,
		scope:      scope,
		parser:     parser,
		reanalyzer: &Reanalyzer{Parser: parser, Analyzer: analyzer},
		logger:     a.Logger.With("worker_id", id, "scope", scope),
	}
}

// ID returns the worker id used in the registry.
func (w *Worker) ID() string { return w.id }

// Scope returns the scope whose rules this worker applies.
func (w *Worker) Scope() string { return w.scope }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Cache returns the loaded cache, or nil.
func (w *Worker) Cache() *Cache {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cache
}

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// OnAnalyzed implements StatementProcessor. It polls the reload flag, loads
// the cache if needed and substitutes st when a rule matches.
func (w *Worker) OnAnalyzed(ctx context.Context, st *query.AnalyzedStatement) error {
	if !w.arena.Enabled() || st == nil || st.Parsed == nil {
		return nil
	}
	if w.loading.Load() {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || !w.ensureRegistered(ctx) {
		return nil
	}
	w.maybeHeartbeat(ctx)
	if !w.registered {
		// Heartbeat found the entry reclaimed and re-registration failed.
		return nil
	}
	w.refresh(ctx)

	entry, ok := w.cache.Match(st.Parsed)
	if !ok {
		return nil
	}
	return w.substitute(ctx, entry, st)
}

// OnExecuteStart implements StatementProcessor. A rewritten statement's
// position must not be used to slice the submitted text.
func (w *Worker) OnExecuteStart(ctx context.Context, st *query.AnalyzedStatement) {
	if st != nil && st.Rewritten {
		st.InvalidatePosition()
	}
}

// Close implements StatementProcessor. It deregisters the worker.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.cache = nil
	w.setState(StateUninitialized)
	if !w.registered {
		return nil
	}
	w.registered = false
	if err := w.arena.Registry.Deregister(ctx, w.id); err != nil {
		return fmt.Errorf("deregister worker %s: %w", w.id, err)
	}
	w.logger.Debug("worker deregistered", "event", "worker.close")
	return nil
}

// ensureRegistered registers the worker on first use. A full registry keeps
// the worker inactive for this statement; the next statement retries.
// Caller must hold mu.
func (w *Worker) ensureRegistered(ctx context.Context) bool {
	if w.registered {
		return true
	}
	err := w.arena.Registry.Register(ctx, w.id)
	switch {
	case errors.Is(err, registry.ErrRegistryFull):
		w.arena.Metrics.RegistryRejected()
		w.logger.Warn("worker registry full, rewriting inactive for this session",
			"event", "worker.register",
			"capacity", w.arena.Registry.Capacity())
		return false
	case err != nil:
		w.logger.Warn("worker registration failed", "event", "worker.register", "error", err)
		return false
	}
	w.registered = true
	w.lastHeartbeat = w.arena.Now()
	w.setState(StateUninitialized)
	w.logger.Debug("worker registered", "event", "worker.register")
	return true
}

// dropRegistration forgets a registry entry that was reclaimed behind the
// worker's back. The cache goes with it: an unregistered worker cannot be
// signalled, so its cache could go stale silently. Caller must hold mu.
func (w *Worker) dropRegistration() {
	w.logger.Info("registry entry reclaimed, re-registering", "event", "worker.reclaimed")
	w.registered = false
	w.cache = nil
	w.setState(StateUninitialized)
}

// maybeHeartbeat refreshes the registry entry at most once per interval.
// Caller must hold mu.
func (w *Worker) maybeHeartbeat(ctx context.Context) {
	now := w.arena.Now()
	if now.Sub(w.lastHeartbeat) < w.arena.HeartbeatInterval {
		return
	}
	err := w.arena.Registry.Heartbeat(ctx, w.id)
	switch {
	case errors.Is(err, registry.ErrUnknownWorker):
		w.dropRegistration()
		w.ensureRegistered(ctx)
	case err != nil:
		w.logger.Warn("heartbeat failed", "event", "worker.heartbeat", "error", err)
	default:
		w.lastHeartbeat = now
	}
}

// refresh brings the cache up to date: initial load after registration,
// otherwise a reload when the reload flag was set. Store trouble never
// reaches the statement. Caller must hold mu.
func (w *Worker) refresh(ctx context.Context) {
	if w.State() == StateUninitialized {
		w.load(ctx, metrics.TriggerInitial)
		return
	}

	pending, err := w.arena.Registry.ConsumeReload(ctx, w.id)
	if errors.Is(err, registry.ErrUnknownWorker) {
		w.dropRegistration()
		if w.ensureRegistered(ctx) {
			w.load(ctx, metrics.TriggerInitial)
		}
		return
	}
	if err != nil {
		// Keep serving the current cache; the flag is still set for next time.
		w.logger.Warn("reading reload flag failed", "event", "worker.poll", "error", err)
		return
	}
	if !pending {
		return
	}
	trigger := metrics.TriggerSignal
	if w.retrying {
		trigger = metrics.TriggerRetry
	}
	w.load(ctx, trigger)
}

// load rebuilds the cache from the store. On failure the previous cache
// stays in service and the reload flag is re-armed; a worker with no cache
// is Disabled. Caller must hold mu.
func (w *Worker) load(ctx context.Context, trigger string) {
	if !w.loading.CompareAndSwap(false, true) {
		return
	}
	defer w.loading.Store(false)

	w.setState(StateLoading)
	cache, err := LoadCache(ctx, w.arena.Store, w.parser, w.scope, w.logger)
	if err != nil {
		if rules.IsBackingStoreUnavailable(err) {
			w.cache = nil
			w.setState(StateDisabled)
			w.arena.Metrics.CacheLoad(trigger, metrics.ResultUnavailable, 0)
			w.logger.Info("rule store unavailable, rewriting disabled", "event", "cache.load", "trigger", trigger)
			return
		}

		w.arena.Metrics.CacheLoad(trigger, metrics.ResultError, 0)
		w.rearm(ctx)
		if w.cache == nil {
			w.setState(StateDisabled)
		} else {
			w.setState(StateReady)
		}
		w.logger.Error("rule cache load failed",
			"event", "cache.load",
			"trigger", trigger,
			"cached", w.cache != nil,
			"error", err)
		return
	}

	w.cache = cache
	w.retrying = false
	w.setState(StateReady)
	w.arena.Metrics.CacheLoad(trigger, metrics.ResultOK, cache.Len())
	w.logger.Debug("rule cache loaded",
		"event", "cache.load",
		"trigger", trigger,
		"rules", cache.Len(),
		"fingerprint", cache.Fingerprint())
}

// rearm sets the worker's own reload flag again so the next statement
// retries a failed load. Caller must hold mu.
func (w *Worker) rearm(ctx context.Context) {
	w.retrying = true
	if err := w.arena.Registry.RequestReload(ctx, w.id); err != nil {
		w.logger.Warn("re-arming reload flag failed", "event", "worker.rearm", "error", err)
	}
}

// substitute reanalyzes the matched rule's replacement and applies it.
// Caller must hold mu.
func (w *Worker) substitute(ctx context.Context, entry CacheEntry, st *query.AnalyzedStatement) error {
	replacement, err := w.reanalyzer.Reanalyze(ctx, entry.Target)
	if err != nil {
		code := "UNKNOWN"
		var re *rules.Error
		if errors.As(err, &re) {
			code = string(re.Code)
		}
		w.arena.Metrics.Failure(code)
		if w.arena.Policy == PassThrough {
			w.logger.Warn("replacement unusable, running original statement",
				"event", "rewrite.failed",
				"rule_id", int64(entry.RuleID),
				"error", err)
			return nil
		}
		w.logger.Error("replacement unusable",
			"event", "rewrite.failed",
			"rule_id", int64(entry.RuleID),
			"error", err)
		return err
	}

	Apply(replacement, st)
	st.Rewritten = true
	st.RuleID = int64(entry.RuleID)

	if err := w.arena.Store.IncrementRewriteCount(ctx, entry.RuleID); err != nil {
		if rules.IsNotFound(err) {
			w.logger.Debug("rule removed since cache load", "event", "rewrite.count", "rule_id", int64(entry.RuleID))
		} else {
			w.logger.Warn("incrementing rewrite count failed", "event", "rewrite.count", "rule_id", int64(entry.RuleID), "error", err)
		}
	}
	w.arena.Metrics.Rewrite(w.scope)
	w.logger.Debug("statement rewritten",
		"event", "rewrite.applied",
		"rule_id", int64(entry.RuleID),
		"query_id", st.QueryID)
	return nil
}
