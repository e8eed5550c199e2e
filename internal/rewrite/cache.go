package rewrite

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/qrewrite/internal/rules"
	"github.com/roach88/qrewrite/internal/sqlparse"
)

// CacheEntry is one rule as a worker holds it: the parsed pattern plus the
// replacement text, which is only analyzed when the pattern matches.
type CacheEntry struct {
	RuleID    rules.ID
	Scope     string
	Source    string
	Target    string
	Pattern   sqlparse.Statement
	Canonical string
}

// Cache is a worker-private, immutable snapshot of the active rules.
// Reload builds a new Cache; an existing one is never mutated.
type Cache struct {
	entries     []CacheEntry
	fingerprint string
}

// LoadCache reads the store once and parses the enabled rules that apply to
// scope. Rules with an empty scope apply to every scope.
//
// A source that is not exactly one parseable statement can never equal an
// incoming statement; it is skipped with a warning instead of failing the load.
func LoadCache(ctx context.Context, store rules.Store, parser *sqlparse.Parser, scope string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}

	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]CacheEntry, 0, len(all))
	for _, r := range all {
		if !r.Enabled || !inScope(r.Scope, scope) {
			continue
		}
		pattern, err := parsePattern(parser, r.Source)
		if err != nil {
			logger.Warn("skipping unparseable rule",
				"event", "cache.skip",
				"rule_id", int64(r.ID),
				"scope", r.Scope,
				"error", err)
			continue
		}
		entries = append(entries, CacheEntry{
			RuleID:    r.ID,
			Scope:     r.Scope,
			Source:    r.Source,
			Target:    r.Target,
			Pattern:   pattern,
			Canonical: sqlparse.Canonical(pattern),
		})
	}

	fp, err := fingerprint(entries)
	if err != nil {
		return nil, fmt.Errorf("fingerprint cache: %w", err)
	}
	return &Cache{entries: entries, fingerprint: fp}, nil
}

func inScope(ruleScope, workerScope string) bool {
	return ruleScope == "" || ruleScope == workerScope
}

func parsePattern(parser *sqlparse.Parser, source string) (sqlparse.Statement, error) {
	pieces, err := parser.Split(source)
	if err != nil {
		return nil, err
	}
	if len(pieces) != 1 {
		return nil, fmt.Errorf("pattern has %d statements", len(pieces))
	}
	return parser.Parse(pieces[0].Text)
}

func fingerprint(entries []CacheEntry) (string, error) {
	list := make([]any, len(entries))
	for i, e := range entries {
		list[i] = map[string]any{
			"id":      int64(e.RuleID),
			"pattern": e.Canonical,
			"target":  e.Target,
		}
	}
	data, err := rules.MarshalCanonical(list)
	if err != nil {
		return "", err
	}
	return rules.HashWithDomain(rules.DomainCache, data), nil
}

// Match returns the first entry, in registration order, whose pattern is
// structurally equal to stmt.
func (c *Cache) Match(stmt sqlparse.Statement) (CacheEntry, bool) {
	if c == nil || stmt == nil {
		return CacheEntry{}, false
	}
	for _, e := range c.entries {
		if sqlparse.Equal(e.Pattern, stmt) {
			return e, true
		}
	}
	return CacheEntry{}, false
}

// Len returns the number of cached rules.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries returns the cached rules in registration order.
func (c *Cache) Entries() []CacheEntry {
	if c == nil {
		return nil
	}
	out := make([]CacheEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Fingerprint identifies the cache contents. Two loads of an unchanged store
// produce equal fingerprints.
func (c *Cache) Fingerprint() string {
	if c == nil {
		return ""
	}
	return c.fingerprint
}
