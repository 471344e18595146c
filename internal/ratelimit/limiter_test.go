package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/mcpgateway/internal/cache"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{now: time.UnixMilli(1_700_000_000_000)}
}

// failingCache errors on every read and write.
type failingCache struct{ cache.Cache }

func (failingCache) Get(context.Context, string, any) (bool, error) {
	return false, errors.New("backend down")
}

func (failingCache) Set(context.Context, string, any, time.Duration) error {
	return errors.New("backend down")
}

// recordingCache captures TTLs passed to Set.
type recordingCache struct {
	*cache.MemoryStore
	mu   sync.Mutex
	ttls []time.Duration
}

func (r *recordingCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	r.mu.Lock()
	r.ttls = append(r.ttls, ttl)
	r.mu.Unlock()
	return r.MemoryStore.Set(ctx, key, value, ttl)
}

func newLimiter(t *testing.T, c cache.Cache, clk *clock, window time.Duration, max int) *Limiter {
	t.Helper()
	l, err := New(c, Config{Window: window, MaxRequests: max}, WithClock(clk.Now))
	require.NoError(t, err)
	return l
}

func memoryCache(t *testing.T, clk *clock) *cache.MemoryStore {
	t.Helper()
	m := cache.NewMemoryStore(cache.WithSweepInterval(0), cache.WithClock(clk.Now))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNew_Validation(t *testing.T) {
	c := cache.NewMemoryStore(cache.WithSweepInterval(0))
	defer c.Close()

	_, err := New(nil, Config{Window: time.Second, MaxRequests: 1})
	assert.Error(t, err)
	_, err = New(c, Config{Window: 0, MaxRequests: 1})
	assert.Error(t, err)
	_, err = New(c, Config{Window: time.Second, MaxRequests: 0})
	assert.Error(t, err)
}

func TestLimiter_ExhaustionAndReset(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l := newLimiter(t, memoryCache(t, clk), clk, time.Minute, 3)

	for i := 1; i <= 3; i++ {
		res := l.Check(ctx, "10.0.0.1")
		require.False(t, res.Blocked, "request %d", i)
		assert.Equal(t, i, res.Total)
		assert.Equal(t, 3-i, res.Remaining)
	}

	res := l.Check(ctx, "10.0.0.1")
	assert.True(t, res.Blocked)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 3, res.Total, "blocked requests are not recorded")
	assert.Equal(t, clk.Now().Add(time.Minute), res.ResetTime)

	other := l.Check(ctx, "10.0.0.2")
	assert.False(t, other.Blocked, "identifiers are independent")

	require.NoError(t, l.Reset(ctx, "10.0.0.1"))
	res = l.Check(ctx, "10.0.0.1")
	assert.False(t, res.Blocked)
	assert.Equal(t, 1, res.Total)
}

func TestLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l := newLimiter(t, memoryCache(t, clk), clk, 10*time.Second, 2)

	first := clk.Now()
	require.False(t, l.Check(ctx, "id").Blocked)
	clk.Advance(4 * time.Second)
	require.False(t, l.Check(ctx, "id").Blocked)

	clk.Advance(4 * time.Second)
	res := l.Check(ctx, "id")
	require.True(t, res.Blocked)
	assert.Equal(t, first.Add(10*time.Second), res.ResetTime)

	// Just past the first request's window, one slot frees up.
	clk.Advance(2*time.Second + time.Millisecond)
	res = l.Check(ctx, "id")
	assert.False(t, res.Blocked)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 0, res.Remaining)
}

func TestLimiter_WindowBoundaryIsInclusive(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l := newLimiter(t, memoryCache(t, clk), clk, 10*time.Second, 1)

	require.False(t, l.Check(ctx, "id").Blocked)

	// A request exactly one window old is still inside it.
	clk.Advance(10 * time.Second)
	res := l.Check(ctx, "id")
	assert.True(t, res.Blocked)
	assert.Equal(t, 1, res.Total)

	clk.Advance(time.Millisecond)
	assert.False(t, l.Check(ctx, "id").Blocked)
}

func TestLimiter_BlockedDoesNotExtendWindow(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	l := newLimiter(t, memoryCache(t, clk), clk, 10*time.Second, 1)

	require.False(t, l.Check(ctx, "id").Blocked)
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		require.True(t, l.Check(ctx, "id").Blocked)
	}

	clk.Advance(5*time.Second + time.Millisecond)
	assert.False(t, l.Check(ctx, "id").Blocked)
}

func TestLimiter_TTLRoundsUpToSeconds(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	rc := &recordingCache{MemoryStore: memoryCache(t, clk)}
	l := newLimiter(t, rc, clk, 1500*time.Millisecond, 5)

	l.Check(ctx, "id")
	require.Len(t, rc.ttls, 1)
	assert.Equal(t, 2*time.Second, rc.ttls[0])
}

func TestLimiter_FailsOpen(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	logger := logging.NewTestLogger()
	l, err := New(failingCache{}, Config{Window: time.Minute, MaxRequests: 5},
		WithClock(clk.Now), WithLogger(logger.Logger))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		res := l.Check(ctx, "id")
		assert.False(t, res.Blocked)
		assert.Equal(t, 0, res.Total)
		assert.Equal(t, 5, res.Remaining)
		assert.Equal(t, clk.Now().Add(time.Minute), res.ResetTime)
	}
	logger.AssertLogged(t, zapcore.WarnLevel, "rate limit check failed")
}

func TestLimiter_Metrics(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	l, err := New(memoryCache(t, clk), Config{Window: time.Minute, MaxRequests: 1},
		WithClock(clk.Now), WithMetrics(m))
	require.NoError(t, err)

	l.Check(ctx, "id")
	l.Check(ctx, "id")
	l.Check(ctx, "id")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("blocked")))
}
