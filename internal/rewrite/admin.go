package rewrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/qrewrite/internal/registry"
	"github.com/roach88/qrewrite/internal/rules"
)

// ErrReloadSignal marks a mutation that committed but whose automatic reload
// signal failed. The change is in the store; workers pick it up on the next
// successful TriggerReloadAll.
var ErrReloadSignal = errors.New("reload signal failed")

// Admin is the administrative surface over an Arena.
//
// Mutations never touch worker caches directly. Workers see them after a
// reload signal, which TriggerReloadAll sends explicitly or, with
// AutoReload, every successful mutation sends implicitly.
type Admin struct {
	arena      *Arena
	autoReload bool
	logger     *slog.Logger
}

// AdminOption configures an Admin.
type AdminOption func(*Admin)

// WithAutoReload signals every worker after each successful mutation.
func WithAutoReload(on bool) AdminOption {
	return func(a *Admin) { a.autoReload = on }
}

// NewAdmin creates an Admin over arena.
func NewAdmin(arena *Arena, opts ...AdminOption) *Admin {
	a := &Admin{arena: arena, logger: arena.Logger.With("component", "admin")}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddRule registers a rule and returns its id.
func (a *Admin) AddRule(ctx context.Context, source, target, scope string) (rules.ID, error) {
	id, err := a.arena.Store.Add(ctx, source, target, scope)
	if err != nil {
		a.logger.Warn("add rule failed", "event", "admin.add", "scope", scope, "error", err)
		return 0, err
	}
	a.logger.Info("rule added", "event", "admin.add", "rule_id", int64(id), "scope", scope)
	return id, a.afterMutation(ctx, fmt.Sprintf("rule %d added", id))
}

// RemoveRule removes the first rule whose source equals source.
func (a *Admin) RemoveRule(ctx context.Context, source string) error {
	if err := a.arena.Store.Remove(ctx, source); err != nil {
		a.logger.Warn("remove rule failed", "event", "admin.remove", "error", err)
		return err
	}
	a.logger.Info("rule removed", "event", "admin.remove")
	return a.afterMutation(ctx, "rule removed")
}

// TruncateRules removes every rule.
func (a *Admin) TruncateRules(ctx context.Context) error {
	if err := a.arena.Store.Truncate(ctx); err != nil {
		a.logger.Warn("truncate rules failed", "event", "admin.truncate", "error", err)
		return err
	}
	a.logger.Info("rules truncated", "event", "admin.truncate")
	return a.afterMutation(ctx, "rules truncated")
}

// SetRuleEnabled switches a rule on or off.
func (a *Admin) SetRuleEnabled(ctx context.Context, source string, enabled bool) error {
	if err := a.arena.Store.SetEnabled(ctx, source, enabled); err != nil {
		a.logger.Warn("set rule enabled failed", "event", "admin.enable", "enabled", enabled, "error", err)
		return err
	}
	a.logger.Info("rule enabled flag changed", "event", "admin.enable", "enabled", enabled)
	return a.afterMutation(ctx, fmt.Sprintf("rule enabled set to %v", enabled))
}

// ListRules returns a snapshot of the store in registration order.
func (a *Admin) ListRules(ctx context.Context) ([]rules.Rule, error) {
	rs, err := a.arena.Store.List(ctx)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		rs = []rules.Rule{}
	}
	return rs, nil
}

// TriggerReloadAll sets the reload flag of every registered worker and
// returns how many were signalled. It never waits for workers to reload.
func (a *Admin) TriggerReloadAll(ctx context.Context) (int, error) {
	n, err := a.arena.Registry.RequestReloadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("trigger reload: %w", err)
	}
	a.arena.Metrics.ReloadSignalled(n)
	a.logger.Info("reload signalled", "event", "admin.reload", "workers", n)
	return n, nil
}

// Workers returns the registry entries.
func (a *Admin) Workers(ctx context.Context) ([]registry.Entry, error) {
	return a.arena.Registry.Entries(ctx)
}

// ReclaimWorkers removes stale registry entries.
func (a *Admin) ReclaimWorkers(ctx context.Context) (int, error) {
	n, err := a.arena.Registry.Reclaim(ctx)
	if err != nil {
		return 0, fmt.Errorf("reclaim workers: %w", err)
	}
	if n > 0 {
		a.logger.Info("stale workers reclaimed", "event", "admin.reclaim", "workers", n)
	}
	return n, nil
}

// afterMutation sends the automatic reload signal for a committed mutation.
func (a *Admin) afterMutation(ctx context.Context, committed string) error {
	if !a.autoReload {
		return nil
	}
	if _, err := a.TriggerReloadAll(ctx); err != nil {
		a.logger.Warn("auto reload failed after commit", "event", "admin.reload", "committed", committed, "error", err)
		return fmt.Errorf("%s, %w: %w", committed, ErrReloadSignal, err)
	}
	return nil
}
