package rules

import "context"

// Default limits.
const (
	DefaultMaxRules           = 50
	DefaultMaxStatementLength = 32768
)

// ID identifies a rule within a store. IDs are assigned in registration order
// and never reused, so ordering by ID is registration order.
type ID int64

// Rule is one administrator-registered (pattern, replacement) pair.
type Rule struct {
	ID           ID     `json:"id" yaml:"id"`
	Scope        string `json:"scope" yaml:"scope"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	RewriteCount int64  `json:"rewrite_count" yaml:"rewrite_count"`
}

// Limits are fixed at startup.
type Limits struct {
	// MaxRules caps the store size. Zero disables the feature.
	MaxRules int

	// MaxStatementLength caps source and target text length in bytes,
	// including one reserved terminator byte.
	MaxStatementLength int
}

// DefaultLimits returns the limits used when no configuration is given.
func DefaultLimits() Limits {
	return Limits{
		MaxRules:           DefaultMaxRules,
		MaxStatementLength: DefaultMaxStatementLength,
	}
}

// CheckText validates source and target lengths.
func (l Limits) CheckText(source, target string) error {
	if len(source) > l.MaxStatementLength-1 {
		return NewTextTooLongError("source", len(source), l.MaxStatementLength)
	}
	if len(target) > l.MaxStatementLength-1 {
		return NewTextTooLongError("target", len(target), l.MaxStatementLength)
	}
	return nil
}

// CheckCapacity validates that one more rule fits next to current rules.
func (l Limits) CheckCapacity(current int) error {
	if current >= l.MaxRules {
		return NewCapacityError(l.MaxRules)
	}
	return nil
}

// Store is the administrator-owned, shared Rule Store.
//
// All mutations are atomic from the caller's point of view and run under an
// exclusive lock. List returns a snapshot in registration order.
type Store interface {
	// Add appends a new enabled rule.
	// Fails with CAPACITY_EXCEEDED or TEXT_TOO_LONG.
	Add(ctx context.Context, source, target, scope string) (ID, error)

	// Remove deletes the first rule whose source text equals source exactly,
	// preserving the relative order of the remaining rules.
	// Fails with NOT_FOUND.
	Remove(ctx context.Context, source string) error

	// Truncate removes all rules.
	Truncate(ctx context.Context) error

	// List returns a snapshot of all rules in registration order.
	// May fail with BACKING_STORE_UNAVAILABLE.
	List(ctx context.Context) ([]Rule, error)

	// IncrementRewriteCount adds one to the rule's rewrite counter.
	// Fails with NOT_FOUND if the rule was removed.
	IncrementRewriteCount(ctx context.Context, id ID) error

	// SetEnabled flips the enabled flag of the first rule with the given source.
	// Fails with NOT_FOUND.
	SetEnabled(ctx context.Context, source string, enabled bool) error
}
