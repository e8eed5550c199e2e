package sqlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRecordsPositions(t *testing.T) {
	p := MustNew()
	text := "SELECT 1;  SELECT 2 ;\nSELECT 3"

	pieces, err := p.Split(text)
	require.NoError(t, err)
	require.Len(t, pieces, 3)

	for _, pc := range pieces {
		require.GreaterOrEqual(t, pc.Location, 0)
		assert.Equal(t, pc.Text, text[pc.Location:pc.Location+pc.Length])
	}
	assert.Equal(t, "SELECT 1", pieces[0].Text)
	assert.Equal(t, "SELECT 2", pieces[1].Text)
	assert.Equal(t, "SELECT 3", pieces[2].Text)
}

func TestSplitDropsEmptyStatements(t *testing.T) {
	p := MustNew()
	pieces, err := p.Split("SELECT 1;;  ;")
	require.NoError(t, err)
	require.Len(t, pieces, 1)
	assert.Equal(t, "SELECT 1", pieces[0].Text)
}

func TestSplitSemicolonInsideString(t *testing.T) {
	p := MustNew()
	pieces, err := p.Split("SELECT 'a;b'; SELECT 2")
	require.NoError(t, err)
	require.Len(t, pieces, 2)
	assert.Equal(t, "SELECT 'a;b'", pieces[0].Text)
}

func TestEqualIgnoresFormatting(t *testing.T) {
	p := MustNew()
	a, err := p.Parse("SELECT 1")
	require.NoError(t, err)
	b, err := p.Parse("select    1")
	require.NoError(t, err)
	c, err := p.Parse("SELECT 2")
	require.NoError(t, err)

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, nil))
	assert.True(t, Equal(nil, nil))
}

func TestEqualStructural(t *testing.T) {
	p := MustNew()
	a, err := p.Parse("SELECT id, name FROM users WHERE id = 7")
	require.NoError(t, err)
	b, err := p.Parse("select id,name\nfrom users\nwhere id=7")
	require.NoError(t, err)
	c, err := p.Parse("SELECT id, name FROM users WHERE id = 8")
	require.NoError(t, err)

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}

func TestParseError(t *testing.T) {
	p := MustNew()
	_, err := p.Parse("SELEKT 1")
	assert.Error(t, err)
}

func TestCanonicalAndClone(t *testing.T) {
	p := MustNew()
	a, err := p.Parse("select   id from   users")
	require.NoError(t, err)

	clone := Clone(a)
	assert.True(t, Equal(a, clone))
	assert.Equal(t, Canonical(a), Canonical(clone))
	assert.Contains(t, Canonical(a), "users")
	assert.Equal(t, "", Canonical(nil))
	assert.Nil(t, Clone(nil))
}
