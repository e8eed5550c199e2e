package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/qrewrite/internal/rules"
)

// Add inserts a new enabled rule. The capacity check and the insert share one
// write transaction, so concurrent adds never exceed MaxRules.
func (s *Store) Add(ctx context.Context, source, target, scope string) (rules.ID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classify("add rule: begin tx", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM rewrite_rules`).Scan(&count); err != nil {
		return 0, classify("add rule: count", err)
	}
	if err := s.limits.CheckCapacity(count); err != nil {
		return 0, err
	}
	if err := s.limits.CheckText(source, target); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO rewrite_rules (scope, source, target, enabled, rewrite_count)
		VALUES (?, ?, ?, 1, 0)
	`, scope, source, target)
	if err != nil {
		return 0, classify("add rule", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("add rule: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, classify("add rule: commit", err)
	}
	return rules.ID(id), nil
}

// Remove deletes the first rule, in registration order, whose source equals
// source exactly.
func (s *Store) Remove(ctx context.Context, source string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("remove rule: begin tx", err)
	}
	defer tx.Rollback()

	id, err := firstBySource(ctx, tx, source)
	if err != nil {
		return classify("remove rule", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rewrite_rules WHERE id = ?`, id); err != nil {
		return classify("remove rule", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("remove rule: commit", err)
	}
	return nil
}

// Truncate removes every rule. Ids keep increasing afterwards.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rewrite_rules`); err != nil {
		return classify("truncate rules", err)
	}
	return nil
}

// List returns all rules in registration order.
func (s *Store) List(ctx context.Context) ([]rules.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
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
			r       rules.Rule
			enabled int
		)
		if err := rows.Scan(&r.ID, &r.Scope, &r.Source, &r.Target, &enabled, &r.RewriteCount); err != nil {
			return nil, fmt.Errorf("list rules: scan: %w", err)
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list rules", err)
	}
	return out, nil
}

// IncrementRewriteCount adds one to the counter of rule id.
func (s *Store) IncrementRewriteCount(ctx context.Context, id rules.ID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rewrite_rules SET rewrite_count = rewrite_count + 1 WHERE id = ?`, int64(id))
	if err != nil {
		return classify("increment rewrite count", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment rewrite count: rows affected: %w", err)
	}
	if n == 0 {
		return rules.NewRuleGoneError(id)
	}
	return nil
}

// SetEnabled switches the first rule with the given source on or off.
func (s *Store) SetEnabled(ctx context.Context, source string, enabled bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("set enabled: begin tx", err)
	}
	defer tx.Rollback()

	id, err := firstBySource(ctx, tx, source)
	if err != nil {
		return classify("set enabled", err)
	}
	flag := 0
	if enabled {
		flag = 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE rewrite_rules SET enabled = ? WHERE id = ?`, flag, id); err != nil {
		return classify("set enabled", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("set enabled: commit", err)
	}
	return nil
}

func firstBySource(ctx context.Context, tx *sql.Tx, source string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM rewrite_rules WHERE source = ? ORDER BY id ASC LIMIT 1
	`, source).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, rules.NewNotFoundError(source)
	}
	return id, err
}
