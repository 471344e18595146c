package transport

import (
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header map[string]string
		want   string
	}{
		{name: "bearer", target: "/mcp", header: map[string]string{"Authorization": "Bearer k1"}, want: "k1"},
		{name: "bearer lowercase", target: "/mcp", header: map[string]string{"Authorization": "bearer k1"}, want: "k1"},
		{name: "basic ignored", target: "/mcp", header: map[string]string{"Authorization": "Basic abc"}, want: ""},
		{name: "x-api-key", target: "/mcp", header: map[string]string{"X-API-Key": "k2"}, want: "k2"},
		{name: "query", target: "/mcp?api_key=k3", want: "k3"},
		{
			name:   "bearer wins",
			target: "/mcp?api_key=k3",
			header: map[string]string{"Authorization": "Bearer k1", "X-API-Key": "k2"},
			want:   "k1",
		},
		{name: "none", target: "/mcp", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, APIKeyFromRequest(req))
		})
	}
}

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestConnection(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewConnection("c1", false, start)

	assert.False(t, c.Authenticated())
	c.SetAuthenticated(true)
	assert.True(t, c.Authenticated())

	assert.True(t, c.LastLiveness().Equal(start))
	c.Touch(start.Add(time.Second))
	assert.True(t, c.LastLiveness().Equal(start.Add(time.Second)))

	assert.Equal(t, int64(1), c.IncRequests())
	assert.Equal(t, int64(2), c.IncRequests())

	info := c.Info()
	assert.Equal(t, "c1", info.ID)
	assert.True(t, info.Authenticated)
	assert.Equal(t, int64(2), info.RequestCount)
}

func TestPool(t *testing.T) {
	p := NewPool[int]()

	assert.True(t, p.TryAdd("b", 2, 2))
	assert.True(t, p.TryAdd("a", 1, 2))
	assert.False(t, p.TryAdd("c", 3, 2), "pool is full")
	assert.True(t, p.TryAdd("c", 3, 0), "zero means unlimited")

	assert.Equal(t, []int{1, 2, 3}, p.Snapshot())

	v, ok := p.Remove("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
	_, ok = p.Remove("b")
	assert.False(t, ok)

	assert.ElementsMatch(t, []int{1, 3}, p.Drain())
	assert.Equal(t, 0, p.Len())
}

func TestGuard(t *testing.T) {
	var got error
	Guard(func(err error) { got = err }, "worker", func() { panic("boom") })
	require.Error(t, got)
	assert.True(t, errors.Is(got, ErrPanic))
	assert.Contains(t, got.Error(), "worker: boom")

	got = nil
	Guard(func(err error) { got = err }, "worker", func() {})
	assert.NoError(t, got)

	assert.Panics(t, func() {
		Guard(nil, "worker", func() { panic("boom") })
	})
}

func TestGo(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(1)
	var got error
	Go(func(err error) { got = err; wg.Done() }, "bg", func() { panic(errors.New("bad")) })
	wg.Wait()
	assert.ErrorIs(t, got, ErrPanic)
}
