package rewrite

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qrewrite/internal/metrics"
	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/registry"
	"github.com/roach88/qrewrite/internal/rules"
	"github.com/roach88/qrewrite/internal/sqlparse"
	"github.com/roach88/qrewrite/internal/testutil"
)

var testParser = sqlparse.MustNew()

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	store   rules.Store
	reg     registry.Registry
	metrics *metrics.Metrics
	clock   *testutil.FakeClock
	arena   *Arena
	admin   *Admin
}

func newFixture(t *testing.T, store rules.Store, reg registry.Registry, opts ...ArenaOption) *fixture {
	t.Helper()
	if store == nil {
		store = rules.NewMemory(rules.DefaultLimits())
	}
	if reg == nil {
		reg = registry.NewMemory(registry.DefaultCapacity)
	}
	clock := testutil.NewFakeClock()
	m := metrics.New(prometheus.NewRegistry())
	base := []ArenaOption{
		WithMetrics(m),
		WithLogger(discardLogger()),
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs("w")),
	}
	arena := NewArena(store, reg, rules.DefaultLimits(), append(base, opts...)...)
	return &fixture{
		store:   store,
		reg:     reg,
		metrics: m,
		clock:   clock,
		arena:   arena,
		admin:   NewAdmin(arena),
	}
}

func (f *fixture) worker(t *testing.T, scope string) *Worker {
	t.Helper()
	w := f.arena.NewWorker(scope, testParser, &query.Analyzer{})
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

// analyzeText analyzes a single-statement text the way a host would.
func analyzeText(t *testing.T, text string) *query.AnalyzedStatement {
	t.Helper()
	pieces, err := testParser.Split(text)
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	stmt, err := testParser.Parse(pieces[0].Text)
	require.NoError(t, err)
	st, err := (&query.Analyzer{}).Analyze(context.Background(), stmt, text, pieces[0])
	require.NoError(t, err)
	return st
}

// run submits text to w and returns the statement after both hooks.
func run(t *testing.T, w *Worker, text string) (*query.AnalyzedStatement, error) {
	t.Helper()
	st := analyzeText(t, text)
	if err := w.OnAnalyzed(context.Background(), st); err != nil {
		return st, err
	}
	w.OnExecuteStart(context.Background(), st)
	return st, nil
}

func ruleCount(t *testing.T, s rules.Store, source string) int64 {
	t.Helper()
	rs, err := s.List(context.Background())
	require.NoError(t, err)
	for _, r := range rs {
		if r.Source == source {
			return r.RewriteCount
		}
	}
	t.Fatalf("rule %q not found", source)
	return 0
}

// scriptedStore wraps a Memory store and lets tests inject List behaviour.
type scriptedStore struct {
	*rules.Memory

	mu       sync.Mutex
	listErrs []error
	onList   func()
	lists    int
}

func newScriptedStore() *scriptedStore {
	return &scriptedStore{Memory: rules.NewMemory(rules.DefaultLimits())}
}

func (s *scriptedStore) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErrs = append(s.listErrs, errs...)
}

func (s *scriptedStore) List(ctx context.Context) ([]rules.Rule, error) {
	s.mu.Lock()
	s.lists++
	hook := s.onList
	var err error
	if len(s.listErrs) > 0 {
		err = s.listErrs[0]
		s.listErrs = s.listErrs[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return s.Memory.List(ctx)
}

func (s *scriptedStore) listCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

// countingRegistry counts heartbeats on top of a Memory registry.
type countingRegistry struct {
	*registry.Memory

	mu         sync.Mutex
	heartbeats int
}

func (r *countingRegistry) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	r.heartbeats++
	r.mu.Unlock()
	return r.Memory.Heartbeat(ctx, id)
}

func (r *countingRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeats
}
