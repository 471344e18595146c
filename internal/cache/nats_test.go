package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/natstest"
)

func newTestNATSStore(t *testing.T) (*NATSStore, func()) {
	t.Helper()
	server, nc := natstest.Connect(t)
	store, err := NewNATSStore(context.Background(), nc, "test-cache", logging.NewNop())
	require.NoError(t, err)
	return store, server.Shutdown
}

func TestNATSStore_RoundTripAndTTL(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestNATSStore(t)
	clock := newFakeClock()
	store.now = clock.Now

	require.NoError(t, store.Set(ctx, "ratelimit:127.0.0.1", []int64{1, 2, 3}, 5*time.Second))

	var got []int64
	found, err := store.Get(ctx, "ratelimit:127.0.0.1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int64{1, 2, 3}, got)

	clock.Advance(6 * time.Second)
	found, err = store.Get(ctx, "ratelimit:127.0.0.1", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNATSStore_NeverExpires(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestNATSStore(t)
	clock := newFakeClock()
	store.now = clock.Now

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	clock.Advance(24 * time.Hour)

	var s string
	found, err := store.Get(ctx, "k", &s)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", s)
}

func TestNATSStore_DeleteClearStats(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestNATSStore(t)

	require.NoError(t, store.Set(ctx, "a", 1, 0))
	require.NoError(t, store.Set(ctx, "b", 2, 0))
	assert.Equal(t, 2, store.Stats(ctx).Keys)

	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "never-set"))

	var n int
	found, _ := store.Get(ctx, "a", &n)
	assert.False(t, found)

	require.NoError(t, store.Clear(ctx))
	found, _ = store.Get(ctx, "b", &n)
	assert.False(t, found)

	st := store.Stats(ctx)
	assert.Equal(t, "nats", st.Backend)
	assert.True(t, st.Connected)
	assert.Equal(t, 0, st.Keys)
}

func TestNATSStore_DegradesWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	store, shutdown := newTestNATSStore(t)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	shutdown()

	require.Eventually(t, func() bool { return !store.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	var s string
	found, err := store.Get(ctx, "k", &s)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, store.Set(ctx, "k", "v2", time.Minute))
	assert.NoError(t, store.Delete(ctx, "k"))
	assert.NoError(t, store.Clear(ctx))
	assert.False(t, store.Stats(ctx).Connected)
}

func TestNew_FallsBackToMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("no url", func(t *testing.T) {
		c := New(ctx, config.CacheConfig{}, nil)
		defer c.Close()
		_, ok := c.(*MemoryStore)
		assert.True(t, ok)
	})

	t.Run("unreachable", func(t *testing.T) {
		c := New(ctx, config.CacheConfig{
			NATSURL:        "nats://127.0.0.1:1",
			ConnectTimeout: 200 * time.Millisecond,
		}, logging.NewNop())
		defer c.Close()
		_, ok := c.(*MemoryStore)
		assert.True(t, ok)
		assert.True(t, c.IsConnected())
	})

	t.Run("reachable", func(t *testing.T) {
		server := natstest.Start(t)
		c := New(ctx, config.CacheConfig{
			NATSURL:        server.ClientURL(),
			Bucket:         "factory",
			ConnectTimeout: time.Second,
		}, logging.NewNop())
		defer c.Close()
		_, ok := c.(*NATSStore)
		assert.True(t, ok)
	})
}
