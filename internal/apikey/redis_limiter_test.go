package apikey

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newRedisClient starts a throwaway Redis container. miniredis covers
// the fast path; this exercises the real pipeline semantics.
func newRedisClient(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	if os.Getenv("CI") == "" && !dockerAvailable() {
		t.Skip("Docker not available")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx,
		"redis:7.4-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := goredis.NewClient(&goredis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func dockerAvailable() (ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// testcontainers panics (rather than returning an error) when no
	// Docker host can be discovered at all; treat that as unavailable.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.Client().Ping(ctx)
	return err == nil
}

func TestRedisLimiter_Container(t *testing.T) {
	client := newRedisClient(t)
	limiter := NewRedisLimiter(client)
	ctx := context.Background()

	const limit = 5
	for i := 0; i < limit; i++ {
		d, err := limiter.Allow(ctx, "key-1", limit)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, limit-i-1, d.Remaining)
	}

	d, err := limiter.Allow(ctx, "key-1", limit)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.True(t, d.Reset.After(time.Now()))

	// Another subject counts against its own window.
	d, err = limiter.Allow(ctx, "key-2", limit)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
