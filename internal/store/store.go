package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/qrewrite/internal/rules"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added rewrite_rules.enabled
const currentSchemaVersion = 1

// Store is a rules.Store over a SQLite database.
type Store struct {
	db     *sql.DB
	limits rules.Limits
}

var _ rules.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path and provisions
// the rule catalog. It is idempotent.
func Open(path string, limits rules.Limits) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, limits: limits}, nil
}

// New wraps an already-open database without touching its schema.
// Operations return BACKING_STORE_UNAVAILABLE until Provision runs.
func New(db *sql.DB, limits rules.Limits) *Store {
	return &Store{db: db, limits: limits}
}

// OpenDB opens a SQLite database with the pragmas the store relies on.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := verifyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_txlock=immediate"
	}
	return path + "?_txlock=immediate"
}

// Provision creates the rule catalog if it does not exist.
func (s *Store) Provision(ctx context.Context) error {
	if err := applySchema(s.db); err != nil {
		return fmt.Errorf("provision rule catalog: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Limits returns the limits the store enforces.
func (s *Store) Limits() rules.Limits {
	return s.limits
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the enabled column to catalogs created before rules could
// be switched off. New databases get it from schema.sql.
func migrateToV1(db *sql.DB) error {
	has, err := hasColumn(db, "rewrite_rules", "enabled")
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if has {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE rewrite_rules ADD COLUMN enabled INTEGER NOT NULL DEFAULT 1`); err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// classify maps a missing catalog table to BACKING_STORE_UNAVAILABLE and
// wraps everything else with op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *rules.Error
	if errors.As(err, &re) {
		return err
	}
	var se sqlite3.Error
	if errors.As(err, &se) && strings.Contains(se.Error(), "no such table") {
		return rules.NewBackingStoreUnavailableError(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// verifyPragmas checks that the pragmas applyPragmas sets took effect.
// In-memory databases cannot use WAL and report "memory".
func verifyPragmas(db *sql.DB) error {
	checks := []struct {
		name     string
		expected []string
	}{
		{"journal_mode", []string{"wal", "memory"}},
		{"busy_timeout", []string{"5000"}},
		{"foreign_keys", []string{"1"}},
	}
	for _, c := range checks {
		if err := verifyPragma(db, c.name, c.expected...); err != nil {
			return err
		}
	}
	return nil
}

// verifyPragma checks that a pragma is set to one of the expected values.
func verifyPragma(db *sql.DB, name string, expected ...string) error {
	var value string
	if err := db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	for _, e := range expected {
		if strings.EqualFold(value, e) {
			return nil
		}
	}
	return fmt.Errorf("%s = %q, expected %q", name, value, strings.Join(expected, " or "))
}
