// Package rulestest holds the behavioural contract every rules.Store
// implementation must satisfy, as a reusable test suite.
package rulestest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qrewrite/internal/rules"
)

// Factory returns an empty store enforcing limits. It registers its own cleanup.
type Factory func(t *testing.T, limits rules.Limits) rules.Store

// Run exercises the Store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AddAndList", func(t *testing.T) { testAddAndList(t, newStore) })
	t.Run("Capacity", func(t *testing.T) { testCapacity(t, newStore) })
	t.Run("ZeroCapacity", func(t *testing.T) { testZeroCapacity(t, newStore) })
	t.Run("TextTooLong", func(t *testing.T) { testTextTooLong(t, newStore) })
	t.Run("RemovePreservesOrder", func(t *testing.T) { testRemovePreservesOrder(t, newStore) })
	t.Run("RemoveFirstMatchOnly", func(t *testing.T) { testRemoveFirstMatchOnly(t, newStore) })
	t.Run("RemoveNotFound", func(t *testing.T) { testRemoveNotFound(t, newStore) })
	t.Run("Truncate", func(t *testing.T) { testTruncate(t, newStore) })
	t.Run("IncrementRewriteCount", func(t *testing.T) { testIncrement(t, newStore) })
	t.Run("SetEnabled", func(t *testing.T) { testSetEnabled(t, newStore) })
	t.Run("ConcurrentAddsRespectCapacity", func(t *testing.T) { testConcurrentAdds(t, newStore) })
}

func sources(rs []rules.Rule) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Source
	}
	return out
}

func testAddAndList(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.DefaultLimits())

	id1, err := s.Add(ctx, "SELECT 1", "SELECT 2", "app")
	require.NoError(t, err)
	id2, err := s.Add(ctx, "SELECT 3", "SELECT 4", "other")
	require.NoError(t, err)
	assert.Less(t, id1, id2, "ids follow registration order")

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, rules.Rule{ID: id1, Scope: "app", Source: "SELECT 1", Target: "SELECT 2", Enabled: true}, got[0])
	assert.Equal(t, "other", got[1].Scope)
}

func testCapacity(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.Limits{MaxRules: 2, MaxStatementLength: rules.DefaultMaxStatementLength})

	_, err := s.Add(ctx, "SELECT 1", "SELECT 10", "")
	require.NoError(t, err)
	_, err = s.Add(ctx, "SELECT 2", "SELECT 20", "")
	require.NoError(t, err)

	_, err = s.Add(ctx, "SELECT 3", "SELECT 30", "")
	require.Error(t, err)
	assert.True(t, rules.IsCode(err, rules.ErrCodeCapacityExceeded))
	assert.Contains(t, err.Error(), "2")

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func testZeroCapacity(t *testing.T, newStore Factory) {
	s := newStore(t, rules.Limits{MaxRules: 0, MaxStatementLength: rules.DefaultMaxStatementLength})
	_, err := s.Add(context.Background(), "SELECT 1", "SELECT 2", "")
	assert.True(t, rules.IsCode(err, rules.ErrCodeCapacityExceeded))
}

func testTextTooLong(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.Limits{MaxRules: 10, MaxStatementLength: 16})

	_, err := s.Add(ctx, "SELECT 1", "SELECT "+strings.Repeat("1", 20), "")
	require.Error(t, err)
	assert.True(t, rules.IsCode(err, rules.ErrCodeTextTooLong))
	assert.Contains(t, err.Error(), "27")
	assert.Contains(t, err.Error(), "16")

	_, err = s.Add(ctx, strings.Repeat("x", 16), "SELECT 1", "")
	assert.True(t, rules.IsCode(err, rules.ErrCodeTextTooLong))

	// 15 bytes leaves room for the terminator.
	_, err = s.Add(ctx, "SELECT 12345678", "SELECT 1", "")
	require.NoError(t, err)

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testRemovePreservesOrder(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.DefaultLimits())

	for _, src := range []string{"A", "B", "C", "D", "E"} {
		_, err := s.Add(ctx, src, src+"'", "")
		require.NoError(t, err)
	}
	require.NoError(t, s.Remove(ctx, "C"))

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "D", "E"}, sources(got))
}

func testRemoveFirstMatchOnly(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.DefaultLimits())

	_, err := s.Add(ctx, "X", "first", "")
	require.NoError(t, err)
	_, err = s.Add(ctx, "Y", "middle", "")
	require.NoError(t, err)
	_, err = s.Add(ctx, "X", "second", "")
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "X"))

	got, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "middle", got[0].Target)
	assert.Equal(t, "second", got[1].Target)
}

func testRemoveNotFound(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.DefaultLimits())

	_, err := s.Add(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)

	err = s.Remove(ctx, "select 1")
	assert.True(t, rules.IsNotFound(err), "remove matches exact text only")

	err = s.Remove(ctx, "SELECT 9")
	assert.True(t, rules.IsNotFound(err))
}

func testTruncate(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.DefaultLimits())

	for i := 0; i < 3; i++ {
		_, err := s.Add(ctx, fmt.Sprintf("SELECT %d", i), "SELECT 0", "")
		require.NoError(t, err)
	}
	require.NoError(t, s.Truncate(ctx))

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Truncate on an empty store is fine.
	require.NoError(t, s.Truncate(ctx))
}

func testIncrement(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.DefaultLimits())

	id, err := s.Add(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	require.NoError(t, s.IncrementRewriteCount(ctx, id))
	require.NoError(t, s.IncrementRewriteCount(ctx, id))

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got[0].RewriteCount)

	require.NoError(t, s.Remove(ctx, "SELECT 1"))
	assert.True(t, rules.IsNotFound(s.IncrementRewriteCount(ctx, id)))
}

func testSetEnabled(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.DefaultLimits())

	_, err := s.Add(ctx, "SELECT 1", "SELECT 2", "")
	require.NoError(t, err)
	require.NoError(t, s.SetEnabled(ctx, "SELECT 1", false))

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.False(t, got[0].Enabled)

	require.NoError(t, s.SetEnabled(ctx, "SELECT 1", true))
	got, err = s.List(ctx)
	require.NoError(t, err)
	assert.True(t, got[0].Enabled)

	assert.True(t, rules.IsNotFound(s.SetEnabled(ctx, "SELECT 9", true)))
}

func testConcurrentAdds(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, rules.Limits{MaxRules: 5, MaxStatementLength: rules.DefaultMaxStatementLength})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Add(ctx, fmt.Sprintf("SELECT %d", i), "SELECT 0", "")
		}(i)
	}
	wg.Wait()

	got, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
