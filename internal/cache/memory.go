package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is the in-process fallback. Expired entries are evicted lazily
// on Get and reclaimed by a periodic sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	sweepInterval time.Duration
	now           func() time.Time
}

// WithSweepInterval sets how often expired entries are reclaimed. Zero
// disables the background sweep.
func WithSweepInterval(d time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.sweepInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	o := memoryOptions{sweepInterval: time.Minute, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	m := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     o.now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if o.sweepInterval > 0 {
		go m.sweepLoop(o.sweepInterval)
	} else {
		close(m.done)
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok && expired(m.now(), entry.expiresAt) {
		delete(m.entries, key)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		m.misses.Add(1)
		return false, nil
	}
	m.hits.Add(1)

	if err := json.Unmarshal(entry.value, dest); err != nil {
		return false, fmt.Errorf("decoding cached value for %q: %w", key, err)
	}
	return true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %q: %w", key, err)
	}

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: data, expiresAt: expiryFor(m.now(), ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]memoryEntry)
	m.mu.Unlock()
	return nil
}

// IsConnected is always true for the in-process store.
func (m *MemoryStore) IsConnected() bool { return true }

func (m *MemoryStore) Stats(_ context.Context) Stats {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()

	return Stats{
		Backend:   "memory",
		Connected: true,
		Keys:      n,
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
	}
}

// Close stops the sweeper. It is safe to call more than once.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

func (m *MemoryStore) sweepLoop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

// sweep removes every expired entry and returns how many were removed.
func (m *MemoryStore) sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.entries {
		if expired(now, e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}
