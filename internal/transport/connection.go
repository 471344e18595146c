package transport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Connection is the per-connection state every adapter keeps. Fields are
// safe for concurrent use.
type Connection struct {
	ID        string
	CreatedAt time.Time

	authenticated atomic.Bool
	lastLiveness  atomic.Int64 // unix nanos
	requests      atomic.Int64
}

// NewConnection creates a connection first seen at now.
func NewConnection(id string, authenticated bool, now time.Time) *Connection {
	c := &Connection{ID: id, CreatedAt: now}
	c.authenticated.Store(authenticated)
	c.lastLiveness.Store(now.UnixNano())
	return c
}

func (c *Connection) Authenticated() bool { return c.authenticated.Load() }

func (c *Connection) SetAuthenticated(v bool) { c.authenticated.Store(v) }

// Touch records liveness at t.
func (c *Connection) Touch(t time.Time) { c.lastLiveness.Store(t.UnixNano()) }

func (c *Connection) LastLiveness() time.Time {
	return time.Unix(0, c.lastLiveness.Load())
}

// IncRequests counts one inbound request and returns the new total.
func (c *Connection) IncRequests() int64 { return c.requests.Add(1) }

func (c *Connection) RequestCount() int64 { return c.requests.Load() }

// ConnectionInfo is a point-in-time view of a Connection.
type ConnectionInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	CreatedAt     time.Time `json:"created_at"`
	LastLiveness  time.Time `json:"last_liveness"`
	RequestCount  int64     `json:"request_count"`
}

// Info snapshots the connection.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:            c.ID,
		Authenticated: c.Authenticated(),
		CreatedAt:     c.CreatedAt,
		LastLiveness:  c.LastLiveness(),
		RequestCount:  c.RequestCount(),
	}
}

// Pool is a set of live connections keyed by id.
type Pool[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// NewPool creates an empty pool.
func NewPool[T any]() *Pool[T] {
	return &Pool[T]{items: make(map[string]T)}
}

// Add inserts v under id.
func (p *Pool[T]) Add(id string, v T) {
	p.mu.Lock()
	p.items[id] = v
	p.mu.Unlock()
}

// TryAdd inserts v unless the pool already holds max entries. A max of zero
// or less means unlimited.
func (p *Pool[T]) TryAdd(id string, v T, max int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if max > 0 && len(p.items) >= max {
		return false
	}
	p.items[id] = v
	return true
}

// Get returns the entry for id.
func (p *Pool[T]) Get(id string) (T, bool) {
	p.mu.RLock()
	v, ok := p.items[id]
	p.mu.RUnlock()
	return v, ok
}

// Remove deletes id and reports whether it was present.
func (p *Pool[T]) Remove(id string) (T, bool) {
	p.mu.Lock()
	v, ok := p.items[id]
	delete(p.items, id)
	p.mu.Unlock()
	return v, ok
}

// Len returns the number of entries.
func (p *Pool[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Snapshot returns the current entries ordered by id. Callers may act on
// them without holding the pool lock.
func (p *Pool[T]) Snapshot() []T {
	p.mu.RLock()
	ids := make([]string, 0, len(p.items))
	for id := range p.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, p.items[id])
	}
	p.mu.RUnlock()
	return out
}

// Drain removes and returns every entry.
func (p *Pool[T]) Drain() []T {
	p.mu.Lock()
	out := make([]T, 0, len(p.items))
	for _, v := range p.items {
		out = append(out, v)
	}
	p.items = make(map[string]T)
	p.mu.Unlock()
	return out
}
