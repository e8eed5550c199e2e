package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/roach88/qrewrite/internal/config"
	"github.com/roach88/qrewrite/internal/metrics"
	"github.com/roach88/qrewrite/internal/pgstore"
	"github.com/roach88/qrewrite/internal/registry"
	"github.com/roach88/qrewrite/internal/rewrite"
	"github.com/roach88/qrewrite/internal/rules"
	"github.com/roach88/qrewrite/internal/sqlparse"
	"github.com/roach88/qrewrite/internal/store"
)

// provisioner is a store with a catalog table that can be created.
type provisioner interface {
	Provision(ctx context.Context) error
}

// env is the wiring every command works against.
type env struct {
	cfg      config.Config
	logger   *slog.Logger
	store    rules.Store
	registry registry.Registry
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics
	parser   *sqlparse.Parser
	arena    *rewrite.Arena
	admin    *rewrite.Admin

	closers []func() error
}

// openEnv builds the store, registry and arena described by cfg.
func openEnv(ctx context.Context, cfg config.Config, logger *slog.Logger) (*env, error) {
	e := &env{cfg: cfg, logger: logger}

	st, err := e.openStore(ctx)
	if err != nil {
		return nil, err
	}
	e.store = st

	reg, err := e.openRegistry(ctx)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.registry = reg

	parser, err := sqlparse.New()
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.parser = parser

	e.promReg = prometheus.NewRegistry()
	e.metrics = metrics.New(e.promReg)

	policy := rewrite.FailStatement
	if !cfg.Strict {
		policy = rewrite.PassThrough
	}
	e.arena = rewrite.NewArena(st, reg, cfg.Limits(),
		rewrite.WithLogger(logger),
		rewrite.WithMetrics(e.metrics),
		rewrite.WithPolicy(policy),
	)
	e.admin = rewrite.NewAdmin(e.arena, rewrite.WithAutoReload(cfg.AutoReload))
	return e, nil
}

func (e *env) openStore(ctx context.Context) (rules.Store, error) {
	limits := e.cfg.Limits()
	switch e.cfg.Store.Backend {
	case config.StoreMemory:
		return rules.NewMemory(limits), nil
	case config.StorePostgres:
		st, err := pgstore.Open(ctx, e.cfg.Store.PostgresURL, limits)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() error { st.Close(); return nil })
		return st, nil
	default:
		st, err := store.Open(e.cfg.Database, limits)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, st.Close)
		return st, nil
	}
}

func (e *env) openRegistry(ctx context.Context) (registry.Registry, error) {
	rc := e.cfg.Registry
	switch rc.Backend {
	case config.RegistryRedis:
		client := redis.NewClient(&redis.Options{Addr: rc.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", rc.RedisAddr, err)
		}
		e.closers = append(e.closers, client.Close)
		return registry.NewRedis(client, rc.Capacity,
			registry.WithRedisPrefix(rc.RedisPrefix),
			registry.WithRedisTTL(rc.TTL()),
		), nil
	default:
		return registry.NewMemory(rc.Capacity, registry.WithTTL(rc.TTL())), nil
	}
}

// provision creates the rule catalog where the backend has one.
func (e *env) provision(ctx context.Context) error {
	if p, ok := e.store.(provisioner); ok {
		return p.Provision(ctx)
	}
	return nil
}

// Close releases everything openEnv acquired, in reverse order.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}
