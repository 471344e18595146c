package cache

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
)

// New returns a NATS-backed cache when cfg.NATSURL is set and reachable,
// otherwise an in-process store. It never fails.
func New(ctx context.Context, cfg config.CacheConfig, logger *logging.Logger) Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	memory := func() Cache {
		return NewMemoryStore(WithSweepInterval(cfg.SweepInterval))
	}

	if cfg.NATSURL == "" {
		logger.Info(ctx, "using in-memory cache")
		return memory()
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("mcpgateway-cache"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		logger.Warn(ctx, "nats unreachable, falling back to in-memory cache",
			zap.String("url", cfg.NATSURL), zap.Error(err))
		return memory()
	}

	bindCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	store, err := NewNATSStore(bindCtx, nc, cfg.Bucket, logger)
	if err != nil {
		nc.Close()
		logger.Warn(ctx, "nats key/value unavailable, falling back to in-memory cache",
			zap.String("bucket", cfg.Bucket), zap.Error(err))
		return memory()
	}
	store.ownsConn = true

	logger.Info(ctx, "using nats cache", zap.String("url", cfg.NATSURL), zap.String("bucket", cfg.Bucket))
	return store
}
