// Package pgstore provides a rules.Store backed by a PostgreSQL catalog table.
//
// Several hosts can share one PostgreSQL rule catalog. Add serializes on a
// transaction-scoped advisory lock so the capacity check and the insert are
// atomic across processes; counters are bumped with a single UPDATE.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/qrewrite/internal/rules"
)

// advisoryLockKey guards rule catalog mutations ("qrwr" as int).
const advisoryLockKey int64 = 0x71727772

// undefinedTable is SQLSTATE 42P01.
const undefinedTable = "42P01"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rewrite_rules (
    id            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    scope         TEXT    NOT NULL DEFAULT '',
    source        TEXT    NOT NULL,
    target        TEXT    NOT NULL,
    enabled       BOOLEAN NOT NULL DEFAULT TRUE,
    rewrite_count BIGINT  NOT NULL DEFAULT 0 CHECK (rewrite_count >= 0)
);
CREATE INDEX IF NOT EXISTS idx_rewrite_rules_source ON rewrite_rules(source);
`

var pingTimeout = 2 * time.Second

type db interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a rules.Store over PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	db     db
	limits rules.Limits
}

var _ rules.Store = (*Store)(nil)

// Open connects to the database at dsn. It does not create the catalog;
// call Provision for that.
func Open(ctx context.Context, dsn string, limits rules.Limits) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool, db: pool, limits: limits}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Provision creates the rule catalog if it does not exist.
func (s *Store) Provision(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("provision rule catalog: %w", err)
	}
	return nil
}

// Drop removes the rule catalog.
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DROP TABLE IF EXISTS rewrite_rules`); err != nil {
		return fmt.Errorf("drop rule catalog: %w", err)
	}
	return nil
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *rules.Error
	if errors.As(err, &re) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return rules.NewBackingStoreUnavailableError(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Add inserts a new enabled rule.
func (s *Store) Add(ctx context.Context, source, target, scope string) (rules.ID, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, classify("add rule: begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return 0, classify("add rule: lock", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM rewrite_rules`).Scan(&count); err != nil {
		return 0, classify("add rule: count", err)
	}
	if err := s.limits.CheckCapacity(count); err != nil {
		return 0, err
	}
	if err := s.limits.CheckText(source, target); err != nil {
		return 0, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO rewrite_rules (scope, source, target)
		VALUES ($1, $2, $3)
		RETURNING id
	`, scope, source, target).Scan(&id)
	if err != nil {
		return 0, classify("add rule", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify("add rule: commit", err)
	}
	return rules.ID(id), nil
}

// Remove deletes the first rule, in registration order, whose source equals source.
func (s *Store) Remove(ctx context.Context, source string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM rewrite_rules
		WHERE id = (SELECT id FROM rewrite_rules WHERE source = $1 ORDER BY id LIMIT 1)
	`, source)
	if err != nil {
		return classify("remove rule", err)
	}
	if tag.RowsAffected() == 0 {
		return rules.NewNotFoundError(source)
	}
	return nil
}

// Truncate removes every rule.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM rewrite_rules`); err != nil {
		return classify("truncate rules", err)
	}
	return nil
}

// List returns all rules in registration order.
func (s *Store) List(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, scope, source, target, enabled, rewrite_count
		FROM rewrite_rules
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, classify("list rules", err)
	}
	defer rows.Close()

	var out []rules.Rule
	for rows.Next() {
		var (
			r  rules.Rule
			id int64
		)
		if err := rows.Scan(&id, &r.Scope, &r.Source, &r.Target, &r.Enabled, &r.RewriteCount); err != nil {
			return nil, fmt.Errorf("list rules: scan: %w", err)
		}
		r.ID = rules.ID(id)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list rules", err)
	}
	return out, nil
}

// IncrementRewriteCount adds one to the counter of rule id.
func (s *Store) IncrementRewriteCount(ctx context.Context, id rules.ID) error {
	tag, err := s.db.Exec(ctx, `UPDATE rewrite_rules SET rewrite_count = rewrite_count + 1 WHERE id = $1`, int64(id))
	if err != nil {
		return classify("increment rewrite count", err)
	}
	if tag.RowsAffected() == 0 {
		return rules.NewRuleGoneError(id)
	}
	return nil
}

// SetEnabled switches the first rule with the given source on or off.
func (s *Store) SetEnabled(ctx context.Context, source string, enabled bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rewrite_rules SET enabled = $2
		WHERE id = (SELECT id FROM rewrite_rules WHERE source = $1 ORDER BY id LIMIT 1)
	`, source, enabled)
	if err != nil {
		return classify("set enabled", err)
	}
	if tag.RowsAffected() == 0 {
		return rules.NewNotFoundError(source)
	}
	return nil
}
