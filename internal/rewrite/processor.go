package rewrite

import (
	"context"

	"github.com/roach88/qrewrite/internal/query"
)

// StatementProcessor is the capability a host engine calls around each
// statement it executes.
//
// OnAnalyzed runs after the host analyzed a statement and before planning;
// it may replace the statement's payload. A returned error fails the
// statement. OnExecuteStart runs just before execution. Close releases the
// processor's shared resources when the host session ends.
type StatementProcessor interface {
	OnAnalyzed(ctx context.Context, st *query.AnalyzedStatement) error
	OnExecuteStart(ctx context.Context, st *query.AnalyzedStatement)
	Close(ctx context.Context) error
}

// Passthrough is a StatementProcessor that never changes anything.
type Passthrough struct{}

// OnAnalyzed implements StatementProcessor.
func (Passthrough) OnAnalyzed(context.Context, *query.AnalyzedStatement) error { return nil }

// OnExecuteStart implements StatementProcessor.
func (Passthrough) OnExecuteStart(context.Context, *query.AnalyzedStatement) {}

// Close implements StatementProcessor.
func (Passthrough) Close(context.Context) error { return nil }

var (
	_ StatementProcessor = (*Worker)(nil)
	_ StatementProcessor = Passthrough{}
)
