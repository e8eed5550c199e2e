package rules

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sources(rs []Rule) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Source
	}
	return out
}

func TestMemoryAddAndList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultLimits())

	id1, err := m.Add(ctx, "SELECT 1", "SELECT 2", "main")
	require.NoError(t, err)
	id2, err := m.Add(ctx, "SELECT 3", "SELECT 4", "other")
	require.NoError(t, err)
	assert.Less(t, id1, id2)

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, Rule{ID: id1, Scope: "main", Source: "SELECT 1", Target: "SELECT 2", Enabled: true}, list[0])
	assert.Equal(t, "other", list[1].Scope)
}

func TestMemoryCapacityExceeded(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Limits{MaxRules: 2, MaxStatementLength: DefaultMaxStatementLength})

	_, err := m.Add(ctx, "SELECT 1", "SELECT 2", "main")
	require.NoError(t, err)
	_, err = m.Add(ctx, "SELECT 3", "SELECT 4", "main")
	require.NoError(t, err)

	_, err = m.Add(ctx, "SELECT 5", "SELECT 6", "main")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeCapacityExceeded))
	assert.Contains(t, err.Error(), "2")

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestMemoryZeroCapacityDisablesAdd(t *testing.T) {
	m := NewMemory(Limits{MaxRules: 0, MaxStatementLength: DefaultMaxStatementLength})
	_, err := m.Add(context.Background(), "SELECT 1", "SELECT 2", "main")
	assert.True(t, IsCode(err, ErrCodeCapacityExceeded))
}

func TestMemoryTextTooLong(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Limits{MaxRules: 10, MaxStatementLength: 16})

	tests := []struct {
		name   string
		source string
		target string
		kind   string
	}{
		{"source", strings.Repeat("x", 16), "SELECT 1", "source"},
		{"target", "SELECT 1", strings.Repeat("y", 20), "target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Add(ctx, tt.source, tt.target, "main")
			require.Error(t, err)
			var re *Error
			require.ErrorAs(t, err, &re)
			assert.Equal(t, ErrCodeTextTooLong, re.Code)
			assert.Equal(t, 16, re.Limit)
			assert.Contains(t, re.Message, tt.kind)
		})
	}

	// 15 bytes fits: one byte is reserved.
	_, err := m.Add(ctx, strings.Repeat("x", 15), "SELECT 1", "main")
	require.NoError(t, err)
}

func TestTextTooLongMessageAtLimit(t *testing.T) {
	l := Limits{MaxRules: 10, MaxStatementLength: 32768}

	err := l.CheckText(strings.Repeat("x", 32768), "SELECT 1")
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "source statement length 32768 must be less than 32768", re.Message)
	assert.Equal(t, 32768, re.Length)

	require.NoError(t, l.CheckText(strings.Repeat("x", 32767), "SELECT 1"))
}

func TestMemoryRemovePreservesOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultLimits())
	for _, s := range []string{"A", "B", "C", "D", "E"} {
		_, err := m.Add(ctx, s, s+"'", "main")
		require.NoError(t, err)
	}

	require.NoError(t, m.Remove(ctx, "C"))

	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "D", "E"}, sources(list))
}

func TestMemoryRemoveFirstMatchOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultLimits())
	_, _ = m.Add(ctx, "A", "first", "main")
	_, _ = m.Add(ctx, "A", "second", "main")

	require.NoError(t, m.Remove(ctx, "A"))
	list, _ := m.List(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "second", list[0].Target)
}

func TestMemoryRemoveNotFound(t *testing.T) {
	m := NewMemory(DefaultLimits())
	err := m.Remove(context.Background(), "SELECT 1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "SELECT 1")
}

func TestMemoryRemoveIsExactText(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultLimits())
	_, _ = m.Add(ctx, "SELECT 1", "SELECT 2", "main")

	err := m.Remove(ctx, "select   1")
	assert.True(t, IsNotFound(err))
}

func TestMemoryTruncate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Limits{MaxRules: 2, MaxStatementLength: 100})
	_, _ = m.Add(ctx, "A", "B", "main")
	_, _ = m.Add(ctx, "C", "D", "main")

	require.NoError(t, m.Truncate(ctx))
	list, err := m.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	// Capacity is available again.
	_, err = m.Add(ctx, "E", "F", "main")
	require.NoError(t, err)
}

func TestMemoryIncrementRewriteCount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultLimits())
	id, _ := m.Add(ctx, "A", "B", "main")

	require.NoError(t, m.IncrementRewriteCount(ctx, id))
	require.NoError(t, m.IncrementRewriteCount(ctx, id))
	list, _ := m.List(ctx)
	assert.Equal(t, int64(2), list[0].RewriteCount)

	require.NoError(t, m.Remove(ctx, "A"))
	assert.True(t, IsNotFound(m.IncrementRewriteCount(ctx, id)))
}

func TestMemorySetEnabled(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultLimits())
	_, _ = m.Add(ctx, "A", "B", "main")

	require.NoError(t, m.SetEnabled(ctx, "A", false))
	list, _ := m.List(ctx)
	assert.False(t, list[0].Enabled)

	assert.True(t, IsNotFound(m.SetEnabled(ctx, "missing", true)))
}

func TestMemoryListIsSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(DefaultLimits())
	_, _ = m.Add(ctx, "A", "B", "main")

	list, _ := m.List(ctx)
	list[0].Source = "mutated"

	again, _ := m.List(ctx)
	assert.Equal(t, "A", again[0].Source)
}

func TestMemoryConcurrentAddsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(Limits{MaxRules: 10, MaxStatementLength: 100})

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Add(ctx, "A", "B", "main"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, accepted)
	list, _ := m.List(ctx)
	assert.Len(t, list, 10)
}
