package rewrite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/qrewrite/internal/metrics"
	"github.com/roach88/qrewrite/internal/query"
	"github.com/roach88/qrewrite/internal/registry"
	"github.com/roach88/qrewrite/internal/rules"
	"github.com/roach88/qrewrite/internal/sqlparse"
)

func TestRewriteSelectOneToSelectTwo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	assert.EqualValues(t, 0, ruleCount(t, f.store, "SELECT 1"))

	w := f.worker(t, "")
	before := analyzeText(t, "SELECT 1")
	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)

	assert.True(t, st.Rewritten)
	assert.Equal(t, "SELECT 2", st.Text)
	assert.Equal(t, query.WholeString, st.Location)
	assert.Equal(t, 0, st.Length)
	assert.Equal(t, before.QueryID, st.QueryID, "identity survives substitution")
	assert.Equal(t, "SELECT 1", st.SourceText)
	assert.Equal(t, "SELECT 1", st.Snippet())
	assert.EqualValues(t, 1, ruleCount(t, f.store, "SELECT 1"))
	assert.Equal(t, StateReady, w.State())

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.Rewrites.WithLabelValues("")))
}

func TestUnmatchedStatementUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT 3")
	require.NoError(t, err)
	assert.False(t, st.Rewritten)
	assert.Equal(t, "SELECT 3", st.Text)
	assert.Equal(t, 0, st.Location)
	assert.EqualValues(t, 0, ruleCount(t, f.store, "SELECT 1"))
}

func TestMatchIgnoresFormatting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT id FROM users WHERE id = 1", "SELECT id FROM users WHERE id = 2", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	st, err := run(t, w, "select id\n  from users\n where id=1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)
	assert.Equal(t, "SELECT id FROM users WHERE id = 2", st.Text)
}

func TestFirstRegisteredRuleWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	first, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 'first'", "")
	require.NoError(t, err)
	_, err = f.admin.AddRule(ctx, "select 1", "SELECT 'second'", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'first'", st.Text)
	assert.EqualValues(t, first, st.RuleID)
}

func TestSubstitutionRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT a FROM t", "SELECT a, b FROM t WHERE b > 0 ORDER BY a", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT a FROM t")
	require.NoError(t, err)
	require.True(t, st.Rewritten)

	direct := analyzeText(t, "SELECT a, b FROM t WHERE b > 0 ORDER BY a")
	assert.True(t, sqlparse.Equal(direct.Parsed, st.Parsed))
	assert.Equal(t, direct.TargetList, st.TargetList)
	assert.Equal(t, direct.RangeTable, st.RangeTable)
	assert.Equal(t, direct.Where, st.Where)
	assert.Equal(t, direct.OrderBy, st.OrderBy)
	assert.Equal(t, direct.Command, st.Command)
}

func TestMultiStatementReplacementStrict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2; SELECT 3", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT 1")
	require.Error(t, err)
	assert.True(t, rules.IsCode(err, rules.ErrCodeMultipleStatements))
	assert.Contains(t, err.Error(), "SELECT 2; SELECT 3")

	assert.False(t, st.Rewritten)
	assert.Equal(t, "SELECT 1", st.Text)
	assert.Equal(t, 0, st.Location, "failed statement keeps its position")
	assert.EqualValues(t, 0, ruleCount(t, f.store, "SELECT 1"))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.Failures.WithLabelValues(string(rules.ErrCodeMultipleStatements))))
}

func TestMultiStatementReplacementLenient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil, WithPolicy(PassThrough))
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2; SELECT 3", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, st.Rewritten)
	assert.Equal(t, "SELECT 1", st.Text)
	assert.EqualValues(t, 0, ruleCount(t, f.store, "SELECT 1"))
}

func TestUnparseableReplacement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELEKT 2", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	_, err = run(t, w, "SELECT 1")
	assert.True(t, rules.IsCode(err, rules.ErrCodeParse))
	assert.Contains(t, err.Error(), "SELEKT 2")
}

func TestReplacementFailsAnalysis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT id FROM users", "SELECT id FROM missing", "")
	require.NoError(t, err)

	catalog := query.StaticCatalog{"users": {{Name: "id", Type: query.TypeInteger}}}
	w := f.arena.NewWorker("", testParser, &query.Analyzer{Catalog: catalog})
	t.Cleanup(func() { _ = w.Close(ctx) })

	st := analyzeText(t, "SELECT id FROM users")
	err = w.OnAnalyzed(ctx, st)
	require.Error(t, err)
	assert.True(t, rules.IsCode(err, rules.ErrCodeAnalysis))
	assert.False(t, st.Rewritten)
}

func TestReloadAllMakesNewRulesVisible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, st.Rewritten)
	assert.Equal(t, 0, w.Cache().Len())

	_, err = f.admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)

	st, err = run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, st.Rewritten, "cache is stale until a reload signal")

	n, err := f.admin.TriggerReloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err = run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)
	assert.Equal(t, 1, w.Cache().Len())

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CacheLoads.WithLabelValues(metrics.TriggerSignal, metrics.ResultOK)))
}

func TestRemoveThenReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	require.True(t, st.Rewritten)

	require.NoError(t, f.admin.RemoveRule(ctx, "SELECT 1"))

	// The stale cache still matches; the removed rule's counter is gone.
	st, err = run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)

	_, err = f.admin.TriggerReloadAll(ctx)
	require.NoError(t, err)
	st, err = run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, st.Rewritten)
}

func TestAutoReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	admin := NewAdmin(f.arena, WithAutoReload(true))

	w := f.worker(t, "")
	_, err := run(t, w, "SELECT 1")
	require.NoError(t, err)

	_, err = admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)

	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)
}

func TestReloadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := rules.NewMemory(rules.DefaultLimits())
	_, err := store.Add(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	_, err = store.Add(ctx, "SELECT 3", "SELECT 4", "")
	require.NoError(t, err)

	a, err := LoadCache(ctx, store, testParser, "", discardLogger())
	require.NoError(t, err)
	b, err := LoadCache(ctx, store, testParser, "", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Equal(t, 2, a.Len())

	// Counters are not part of the cache identity.
	require.NoError(t, store.IncrementRewriteCount(ctx, 1))
	c, err := LoadCache(ctx, store, testParser, "", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), c.Fingerprint())

	_, err = store.Add(ctx, "SELECT 5", "SELECT 6", "")
	require.NoError(t, err)
	d, err := LoadCache(ctx, store, testParser, "", discardLogger())
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestCacheSkipsUnparseableAndDisabledRules(t *testing.T) {
	ctx := context.Background()
	store := rules.NewMemory(rules.DefaultLimits())
	_, err := store.Add(ctx, "SELEKT 1", "SELECT 2", "")
	require.NoError(t, err)
	_, err = store.Add(ctx, "SELECT 1; SELECT 2", "SELECT 2", "")
	require.NoError(t, err)
	_, err = store.Add(ctx, "SELECT 3", "SELECT 4", "")
	require.NoError(t, err)
	_, err = store.Add(ctx, "SELECT 5", "SELECT 6", "")
	require.NoError(t, err)
	require.NoError(t, store.SetEnabled(ctx, "SELECT 5", false))

	c, err := LoadCache(ctx, store, testParser, "", discardLogger())
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	assert.Equal(t, "SELECT 3", c.Entries()[0].Source)
}

func TestScopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 'a'", "app")
	require.NoError(t, err)
	_, err = f.admin.AddRule(ctx, "SELECT 2", "SELECT 'global'", "")
	require.NoError(t, err)

	app := f.worker(t, "app")
	other := f.worker(t, "other")

	st, err := run(t, app, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'a'", st.Text)

	st, err = run(t, other, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, st.Rewritten)

	st, err = run(t, other, "SELECT 2")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'global'", st.Text)

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.Rewrites.WithLabelValues("app")))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.Rewrites.WithLabelValues("other")))
}

func TestBackingStoreUnavailableDisablesWorker(t *testing.T) {
	store := newScriptedStore()
	store.failNext(rules.NewBackingStoreUnavailableError(errors.New("no such table: rewrite_rules")))
	f := newFixture(t, store, nil)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err, "an unprovisioned store is not a statement failure")
	assert.False(t, st.Rewritten)
	assert.Equal(t, StateDisabled, w.State())
	assert.Nil(t, w.Cache())

	// Provisioning alone does not wake the worker; a reload signal does.
	_, err = store.Memory.Add(context.Background(), "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	st, err = run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, st.Rewritten)

	_, err = f.admin.TriggerReloadAll(context.Background())
	require.NoError(t, err)
	st, err = run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)
	assert.Equal(t, StateReady, w.State())
}

func TestFailedLoadRearmsReloadFlag(t *testing.T) {
	store := newScriptedStore()
	_, err := store.Memory.Add(context.Background(), "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	store.failNext(errors.New("disk I/O error"))
	f := newFixture(t, store, nil)

	w := f.worker(t, "")
	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err, "a failed load is not a statement failure")
	assert.False(t, st.Rewritten)
	assert.Equal(t, "SELECT 1", st.Text)
	assert.Equal(t, StateDisabled, w.State())
	assert.Nil(t, w.Cache())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CacheLoads.WithLabelValues(metrics.TriggerInitial, metrics.ResultError)))

	entries, err := f.reg.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ReloadPending, "failed load re-arms the flag")

	st, err = run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CacheLoads.WithLabelValues(metrics.TriggerRetry, metrics.ResultOK)))
}

func TestFailedReloadKeepsPreviousCache(t *testing.T) {
	ctx := context.Background()
	store := newScriptedStore()
	_, err := store.Memory.Add(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	f := newFixture(t, store, nil)

	w := f.worker(t, "")
	_, err = run(t, w, "SELECT 1")
	require.NoError(t, err)
	before := w.Cache().Fingerprint()

	store.failNext(errors.New("database is locked"))
	_, err = f.admin.TriggerReloadAll(ctx)
	require.NoError(t, err)

	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten, "previous cache stays in service")
	assert.Equal(t, "SELECT 2", st.Text)
	assert.Equal(t, StateReady, w.State())
	assert.Equal(t, before, w.Cache().Fingerprint())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CacheLoads.WithLabelValues(metrics.TriggerSignal, metrics.ResultError)))
}

func TestUnmatchedStatementsSurviveStoreFailure(t *testing.T) {
	for _, policy := range []FailurePolicy{FailStatement, PassThrough} {
		t.Run(policy.String(), func(t *testing.T) {
			ctx := context.Background()
			store := newScriptedStore()
			_, err := store.Memory.Add(ctx, "SELECT 1", "SELECT 2", "")
			require.NoError(t, err)
			f := newFixture(t, store, nil, WithPolicy(policy))

			w := f.worker(t, "")
			st, err := run(t, w, "SELECT 1")
			require.NoError(t, err)
			require.True(t, st.Rewritten)

			down := errors.New("db down")
			store.failNext(down, down, down)
			_, err = f.admin.TriggerReloadAll(ctx)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				st, err := run(t, w, "SELECT 42")
				require.NoError(t, err, "statement %d", i)
				assert.False(t, st.Rewritten)
				assert.Equal(t, "SELECT 42", st.Text)
				assert.Equal(t, StateReady, w.State())
			}
			assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CacheLoads.WithLabelValues(metrics.TriggerSignal, metrics.ResultError)))
			assert.Equal(t, 2.0, promtest.ToFloat64(f.metrics.CacheLoads.WithLabelValues(metrics.TriggerRetry, metrics.ResultError)))

			// Store back: the pending retry picks the rules up again.
			st, err = run(t, w, "SELECT 1")
			require.NoError(t, err)
			assert.True(t, st.Rewritten)
			assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.CacheLoads.WithLabelValues(metrics.TriggerRetry, metrics.ResultOK)))
		})
	}
}

func TestUnmatchedStatementsWithoutCache(t *testing.T) {
	for _, policy := range []FailurePolicy{FailStatement, PassThrough} {
		t.Run(policy.String(), func(t *testing.T) {
			store := newScriptedStore()
			_, err := store.Memory.Add(context.Background(), "SELECT 1", "SELECT 2", "")
			require.NoError(t, err)
			store.failNext(errors.New("db down"), errors.New("db down"))
			f := newFixture(t, store, nil, WithPolicy(policy))

			w := f.worker(t, "")
			for _, text := range []string{"SELECT 42", "SELECT 1"} {
				st, err := run(t, w, text)
				require.NoError(t, err)
				assert.False(t, st.Rewritten)
				assert.Equal(t, text, st.Text)
				assert.Equal(t, StateDisabled, w.State())
			}

			entries, err := f.reg.Entries(context.Background())
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.True(t, entries[0].ReloadPending, "reload stays pending while the store is down")
		})
	}
}

func TestRegistryFullKeepsWorkerInactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, registry.NewMemory(1))
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)

	a := f.worker(t, "")
	b := f.worker(t, "")

	st, err := run(t, a, "SELECT 1")
	require.NoError(t, err)
	require.True(t, st.Rewritten)

	st, err = run(t, b, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, st.Rewritten, "unregistered worker passes statements through")
	assert.Equal(t, StateUninitialized, b.State())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.RegistryRejections))

	require.NoError(t, a.Close(ctx))

	st, err = run(t, b, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten, "registration is retried on the next statement")
}

func TestZeroMaxRulesDisablesFeature(t *testing.T) {
	ctx := context.Background()
	store := rules.NewMemory(rules.Limits{MaxRules: 0, MaxStatementLength: rules.DefaultMaxStatementLength})
	reg := registry.NewMemory(4)
	arena := NewArena(store, reg, rules.Limits{MaxRules: 0, MaxStatementLength: rules.DefaultMaxStatementLength},
		WithLogger(discardLogger()))

	_, err := NewAdmin(arena).AddRule(ctx, "SELECT 1", "SELECT 2", "")
	assert.True(t, rules.IsCode(err, rules.ErrCodeCapacityExceeded))

	w := arena.NewWorker("", testParser, &query.Analyzer{})
	_, err = run(t, w, "SELECT 1")
	require.NoError(t, err)

	entries, err := reg.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "workers never register when the feature is off")
}

func TestCloseDeregisters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	w := f.worker(t, "")
	_, err := run(t, w, "SELECT 1")
	require.NoError(t, err)

	entries, err := f.reg.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, w.ID(), entries[0].WorkerID)

	require.NoError(t, w.Close(ctx))
	require.NoError(t, w.Close(ctx), "close is idempotent")

	entries, err = f.reg.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.False(t, st.Rewritten)
}

func TestReentrantLoadPassesThrough(t *testing.T) {
	ctx := context.Background()
	store := newScriptedStore()
	_, err := store.Memory.Add(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	f := newFixture(t, store, nil)
	w := f.worker(t, "")

	var inner *query.AnalyzedStatement
	var innerErr error
	store.onList = func() {
		// A statement issued by the load itself must not recurse or block.
		inner = analyzeText(t, "SELECT 1")
		innerErr = w.OnAnalyzed(ctx, inner)
	}

	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)

	require.NoError(t, innerErr)
	assert.False(t, inner.Rewritten)
	assert.Equal(t, 1, store.listCalls())
}

func TestReclaimedWorkerReregisters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil, WithHeartbeatInterval(time.Hour))
	reg := registry.NewMemory(4, registry.WithTTL(time.Minute), registry.WithClock(f.clock.Now))
	f.arena.Registry = reg
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)

	w := f.worker(t, "")
	_, err = run(t, w, "SELECT 1")
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	n, err := f.admin.ReclaimWorkers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)

	entries, err := reg.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, w.ID(), entries[0].WorkerID)
}

func TestHeartbeatThrottled(t *testing.T) {
	reg := &countingRegistry{Memory: registry.NewMemory(4)}
	f := newFixture(t, nil, reg, WithHeartbeatInterval(10*time.Second))
	w := f.worker(t, "")

	for i := 0; i < 5; i++ {
		_, err := run(t, w, "SELECT 1")
		require.NoError(t, err)
	}
	assert.Equal(t, 0, reg.count(), "no heartbeat inside the first interval")

	f.clock.Advance(11 * time.Second)
	for i := 0; i < 5; i++ {
		_, err := run(t, w, "SELECT 1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, reg.count())
}

func TestOnExecuteStartInvalidatesRewrittenPosition(t *testing.T) {
	w := &Worker{}
	st := analyzeText(t, "SELECT 1")
	st.Rewritten = true
	st.Location = 3
	st.Length = 4
	w.OnExecuteStart(context.Background(), st)
	assert.Equal(t, query.WholeString, st.Location)
	assert.Equal(t, 0, st.Length)

	plain := analyzeText(t, "SELECT 1")
	w.OnExecuteStart(context.Background(), plain)
	assert.Equal(t, 0, plain.Location)
}

func TestConcurrentWorkersSeeReload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	const workers = 8
	ws := make([]*Worker, workers)
	for i := range ws {
		ws[i] = f.worker(t, "")
		_, err := run(t, ws[i], "SELECT 1")
		require.NoError(t, err)
	}

	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	n, err := f.admin.TriggerReloadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, workers, n)

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range ws {
		g.Go(func() error {
			st := analyzeText(t, "SELECT 1")
			if err := w.OnAnalyzed(gctx, st); err != nil {
				return err
			}
			if !st.Rewritten {
				return fmt.Errorf("worker %s did not see the new rule", w.ID())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, workers, ruleCount(t, f.store, "SELECT 1"))
}

func TestRuleRemovedBeforeIncrementStillRewrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	_, err := f.admin.AddRule(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	w := f.worker(t, "")
	_, err = run(t, w, "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, f.admin.TruncateRules(ctx))
	st, err := run(t, w, "SELECT 1")
	require.NoError(t, err)
	assert.True(t, st.Rewritten)
}
