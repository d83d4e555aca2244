package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *LocalCache {
	c, err := NewCache(Config{GCInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestGetSet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "token:abc", "user-1", 0))

	v, err := c.Get(ctx, "token:abc")
	require.NoError(t, err)
	assert.Equal(t, "user-1", v)
}

func TestGetMissing(t *testing.T) {
	c := newTestCache(t)
	_, err := c.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl_key", "val", 10*time.Millisecond))

	time.Sleep(20 * time.Millisecond)
	_, err := c.Get(ctx, "ttl_key")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := c.Exists(ctx, "ttl_key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDelRemovesEveryKind(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", 0)
	_ = c.HSet(ctx, "h", "f", "v")
	_ = c.SAdd(ctx, "s", "m")
	_ = c.LPush(ctx, "l", "x")

	require.NoError(t, c.Del(ctx, "k", "h", "s", "l"))

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	h, _ := c.HGetAll(ctx, "h")
	assert.Empty(t, h)
	s, _ := c.SMembers(ctx, "s")
	assert.Empty(t, s)
	l, _ := c.LRange(ctx, "l", 0, -1)
	assert.Empty(t, l)
}

func TestExists(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", 0)
	exists, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestHash(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "presence:u1", "c1", "a"))
	require.NoError(t, c.HSet(ctx, "presence:u1", "c2", "b"))

	all, err := c.HGetAll(ctx, "presence:u1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"c1": "a", "c2": "b"}, all)

	require.NoError(t, c.HDel(ctx, "presence:u1", "c1"))
	all, _ = c.HGetAll(ctx, "presence:u1")
	assert.Equal(t, map[string]string{"c2": "b"}, all)
}

func TestHGetAllReturnsCopy(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.HSet(ctx, "h", "f", "v")

	all, _ := c.HGetAll(ctx, "h")
	all["f"] = "changed"

	again, _ := c.HGetAll(ctx, "h")
	assert.Equal(t, "v", again["f"])
}

func TestSet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "s", "a", "b", "c"))
	members, err := c.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, c.SRem(ctx, "s", "b"))
	members, _ = c.SMembers(ctx, "s")
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestList(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.LPush(ctx, "l", "c", "b", "a"))
	items, err := c.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	require.NoError(t, c.LTrim(ctx, "l", 0, 1))
	items, _ = c.LRange(ctx, "l", 0, -1)
	assert.Equal(t, []string{"a", "b"}, items)
}

func TestListPushThenTrimKeepsNewest(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	for _, v := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, c.LPush(ctx, "recent", v))
		require.NoError(t, c.LTrim(ctx, "recent", 0, 2))
	}
	items, _ := c.LRange(ctx, "recent", 0, -1)
	assert.Equal(t, []string{"5", "4", "3"}, items)
}

func TestListRangeBounds(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	_ = c.LPush(ctx, "l", "c", "b", "a")

	tail, _ := c.LRange(ctx, "l", -2, -1)
	assert.Equal(t, []string{"b", "c"}, tail)

	none, _ := c.LRange(ctx, "l", 5, 10)
	assert.Empty(t, none)

	none, _ = c.LRange(ctx, "empty", 0, -1)
	assert.Empty(t, none)
}
