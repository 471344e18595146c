package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithSweepInterval(0), WithClock(clock.Now))
	defer m.Close()

	type payload struct {
		X int `json:"x"`
	}
	require.NoError(t, m.Set(ctx, "k", payload{X: 1}, 10*time.Second))

	var got payload
	found, err := m.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, got.X)

	clock.Advance(10*time.Second + time.Millisecond)
	found, err = m.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found, "entry should expire after ttl")
}

func TestMemoryStore_NonPositiveTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithSweepInterval(0), WithClock(clock.Now))
	defer m.Close()

	require.NoError(t, m.Set(ctx, "zero", "a", 0))
	require.NoError(t, m.Set(ctx, "negative", "b", -time.Second))

	clock.Advance(365 * 24 * time.Hour)
	assert.Equal(t, 0, m.sweep())

	var s string
	found, err := m.Get(ctx, "zero", &s)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", s)

	found, err = m.Get(ctx, "negative", &s)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryStore_DeleteAndClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(WithSweepInterval(0))
	defer m.Close()

	require.NoError(t, m.Set(ctx, "a", 1, 0))
	require.NoError(t, m.Set(ctx, "b", 2, 0))

	require.NoError(t, m.Delete(ctx, "a"))
	var n int
	found, _ := m.Get(ctx, "a", &n)
	assert.False(t, found)

	require.NoError(t, m.Clear(ctx))
	found, _ = m.Get(ctx, "b", &n)
	assert.False(t, found)
	assert.Equal(t, 0, m.Stats(ctx).Keys)
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := NewMemoryStore(WithSweepInterval(0), WithClock(clock.Now))
	defer m.Close()

	require.NoError(t, m.Set(ctx, "short", 1, time.Second))
	require.NoError(t, m.Set(ctx, "long", 1, time.Hour))
	require.NoError(t, m.Set(ctx, "forever", 1, 0))

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, m.sweep())
	assert.Equal(t, 2, m.Stats(ctx).Keys)
}

func TestMemoryStore_BackgroundSweep(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(WithSweepInterval(10 * time.Millisecond))
	defer m.Close()

	require.NoError(t, m.Set(ctx, "k", 1, 5*time.Millisecond))
	require.Eventually(t, func() bool {
		return m.Stats(ctx).Keys == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_Stats(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(WithSweepInterval(0))
	defer m.Close()

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	var s string
	_, _ = m.Get(ctx, "k", &s)
	_, _ = m.Get(ctx, "missing", &s)

	st := m.Stats(ctx)
	assert.Equal(t, "memory", st.Backend)
	assert.True(t, st.Connected)
	assert.Equal(t, 1, st.Keys)
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.True(t, m.IsConnected())
}

func TestMemoryStore_DecodeMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(WithSweepInterval(0))
	defer m.Close()

	require.NoError(t, m.Set(ctx, "k", "text", 0))
	var n int
	_, err := m.Get(ctx, "k", &n)
	require.Error(t, err)
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	m := NewMemoryStore(WithSweepInterval(time.Millisecond))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}
