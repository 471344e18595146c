// Package ratelimit implements a sliding-window request limiter backed by the
// shared cache.
//
// Each identifier maps to the list of request timestamps (unix ms) seen in the
// current window, stored under "ratelimit:<identifier>". The read and the write
// are separate cache operations, so concurrent requests for one identifier can
// be admitted slightly over the limit.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/cache"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
)

const keyPrefix = "ratelimit:"

// Result describes a single admission decision.
type Result struct {
	// Total is the number of requests counted in the window, including this
	// one when it was admitted.
	Total     int       `json:"total"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	Blocked   bool      `json:"blocked"`
}

// Config configures a Limiter.
type Config struct {
	Window      time.Duration
	MaxRequests int
}

// Limiter is a sliding-window rate limiter.
type Limiter struct {
	cache   cache.Cache
	window  time.Duration
	max     int
	logger  *logging.Logger
	now     func() time.Time
	metrics *Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for fail-open warnings.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger.Named("ratelimit")
		}
	}
}

// WithMetrics records decisions on m.
func WithMetrics(m *Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a limiter over c.
func New(c cache.Cache, cfg Config, opts ...Option) (*Limiter, error) {
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("window must be positive")
	}
	if cfg.MaxRequests <= 0 {
		return nil, errors.New("max requests must be positive")
	}

	l := &Limiter{
		cache:  c,
		window: cfg.Window,
		max:    cfg.MaxRequests,
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Limit returns the configured maximum per window.
func (l *Limiter) Limit() int { return l.max }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Check records a request for id and reports whether it is admitted. A
// blocked request is not recorded. Cache failures admit the request.
func (l *Limiter) Check(ctx context.Context, id string) Result {
	now := l.now()
	nowMS := now.UnixMilli()
	windowStart := nowMS - l.window.Milliseconds()
	key := keyPrefix + id

	var stamps []int64
	if _, err := l.cache.Get(ctx, key, &stamps); err != nil {
		return l.failOpen(ctx, id, now, err)
	}

	// Only entries older than the window start are dropped.
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts >= windowStart {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= l.max {
		l.metrics.observe(false)
		return Result{
			Total:     len(kept),
			Remaining: 0,
			ResetTime: time.UnixMilli(kept[0]).Add(l.window),
			Blocked:   true,
		}
	}

	kept = append(kept, nowMS)
	if err := l.cache.Set(ctx, key, kept, l.ttl()); err != nil {
		return l.failOpen(ctx, id, now, err)
	}

	l.metrics.observe(true)
	return Result{
		Total:     len(kept),
		Remaining: l.max - len(kept),
		ResetTime: time.UnixMilli(kept[0]).Add(l.window),
		Blocked:   false,
	}
}

// Reset forgets every recorded request for id.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	return l.cache.Delete(ctx, keyPrefix+id)
}

// ttl rounds the window up to whole seconds.
func (l *Limiter) ttl() time.Duration {
	secs := math.Ceil(l.window.Seconds())
	return time.Duration(secs) * time.Second
}

func (l *Limiter) failOpen(ctx context.Context, id string, now time.Time, err error) Result {
	l.logger.Warn(ctx, "rate limit check failed, allowing request",
		zap.String("identifier", id), zap.Error(err))
	l.metrics.observe(true)
	return Result{
		Total:     0,
		Remaining: l.max,
		ResetTime: now.Add(l.window),
		Blocked:   false,
	}
}
