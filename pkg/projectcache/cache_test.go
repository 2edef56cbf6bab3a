package projectcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(t *testing.T) (*Cache, *clock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	clk := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(db, WithClock(clk.now))
	require.NoError(t, c.Migrate(context.Background()))
	return c, clk
}

func TestCanonicalize_SortsKeys(t *testing.T) {
	a, err := Canonicalize([]byte(`{"b": 1, "a": {"y": [1, 2.50], "x": "<&>"}}`))
	require.NoError(t, err)
	b, err := Canonicalize([]byte("{\n  \"a\": {\"x\": \"<&>\", \"y\": [1, 2.50]},\n  \"b\": 1\n}"))
	require.NoError(t, err)

	assert.Equal(t, `{"a":{"x":"<&>","y":[1,2.50]},"b":1}`, string(a))
	assert.Equal(t, a, b)
	assert.Equal(t, Hash(a), Hash(b))
	assert.Len(t, Hash(a), 32)
}

func TestCanonicalize_Invalid(t *testing.T) {
	for _, raw := range []string{``, `{`, `{} {}`, `nope`} {
		_, err := Canonicalize([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidPayload, raw)
	}
}

func TestPut_DedupesReorderedPayload(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t)

	first, created, err := c.Put(ctx, "A", []byte(`{"name":"Bridge","year":2021}`))
	require.NoError(t, err)
	assert.True(t, created)

	clk.t = clk.t.Add(time.Hour)
	second, created, err := c.Put(ctx, "A", []byte(`{"year":2021, "name":"Bridge"}`))
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.True(t, second.LastCheckedAt.After(first.LastCheckedAt))
	assert.True(t, second.FirstSeenAt.Equal(first.FirstSeenAt))

	history, err := c.History(ctx, "A")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPut_KeepsHistoryOfChanges(t *testing.T) {
	ctx := context.Background()
	c, clk := newTestCache(t)

	_, _, err := c.Put(ctx, "A", []byte(`{"name":"Bridge"}`))
	require.NoError(t, err)
	clk.t = clk.t.Add(time.Hour)
	_, created, err := c.Put(ctx, "A", []byte(`{"name":"Bridge 2"}`))
	require.NoError(t, err)
	assert.True(t, created)

	history, err := c.History(ctx, "A")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.JSONEq(t, `{"name":"Bridge 2"}`, string(history[0].Payload))

	latest, err := c.Get(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, history[0].ContentHash, latest.ContentHash)

	// Seeing the old content again makes it the latest.
	clk.t = clk.t.Add(time.Hour)
	_, created, err = c.Put(ctx, "A", []byte(`{"name":"Bridge"}`))
	require.NoError(t, err)
	assert.False(t, created)

	latest, err = c.Get(ctx, "A")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Bridge"}`, string(latest.Payload))
}

func TestGet_Missing(t *testing.T) {
	c, _ := newTestCache(t)
	snap, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestPut_InvalidPayload(t *testing.T) {
	c, _ := newTestCache(t)
	_, _, err := c.Put(context.Background(), "A", []byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
