package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryClient_GetSetDelete(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))
	val, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val)

	require.NoError(t, c.Delete(ctx, "k1"))
	_, err = c.Get(ctx, "k1")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_Expiry(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryClient_LRUEviction(t *testing.T) {
	c := NewMemoryClient(3)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))

	// Touch "a" so "b" becomes least recently used.
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "d", []byte("4"), time.Minute))
	assert.Equal(t, 3, c.Len())

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)
}

func TestMemoryClient_DeleteByPrefix(t *testing.T) {
	c := NewMemoryClient(10)
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, KBKey("kb1", "q", "x"), []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, KBKey("kb1", "q", "y"), []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, KBKey("kb2", "q", "z"), []byte("3"), time.Minute))

	require.NoError(t, c.DeleteByPrefix(ctx, KBKey("kb1")))
	assert.Equal(t, 1, c.Len())
	_, err := c.Get(ctx, KBKey("kb2", "q", "z"))
	assert.NoError(t, err)
}

func TestRedisClient_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer c.Close()
	ctx := context.Background()

	_, err := c.Get(ctx, "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, c.Set(ctx, "pfx:a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "pfx:b", []byte("2"), time.Minute))
	require.NoError(t, c.DeleteByPrefix(ctx, "pfx:"))
	_, err = c.Get(ctx, "pfx:a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	val, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "a:b:c", Key("a", "b", "c"))
	assert.Equal(t, "kb:id1:query:h", KBKey("id1", "query", "h"))
}
