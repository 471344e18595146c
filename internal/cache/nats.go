package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
)

// NATSStore keeps entries in a JetStream key/value bucket.
//
// Entries carry their own absolute expiry so that per-key TTLs work on any
// server version; expired entries are deleted when read. Keys are base64url
// encoded because the bucket key alphabet does not include ':'.
type NATSStore struct {
	nc       *nats.Conn
	kv       jetstream.KeyValue
	bucket   string
	logger   *logging.Logger
	now      func() time.Time
	ownsConn bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

type natsEnvelope struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt int64           `json:"expires_at,omitempty"` // unix ms, 0 = never
}

// NewNATSStore binds to (or creates) bucket on nc.
func NewNATSStore(ctx context.Context, nc *nats.Conn, bucket string, logger *logging.Logger) (*NATSStore, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "mcpgateway cache",
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("binding key/value bucket %q: %w", bucket, err)
	}

	return &NATSStore{
		nc:     nc,
		kv:     kv,
		bucket: bucket,
		logger: logger.Named("cache"),
		now:    time.Now,
	}, nil
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *NATSStore) Get(ctx context.Context, key string, dest any) (bool, error) {
	if !s.IsConnected() {
		s.misses.Add(1)
		return false, nil
	}

	entry, err := s.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			s.logger.Debug(ctx, "cache get failed", zap.String("key", key), zap.Error(err))
		}
		s.misses.Add(1)
		return false, nil
	}

	var env natsEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		s.logger.Debug(ctx, "discarding malformed cache entry", zap.String("key", key), zap.Error(err))
		s.misses.Add(1)
		return false, nil
	}

	if env.ExpiresAt > 0 && s.now().UnixMilli() > env.ExpiresAt {
		_ = s.kv.Delete(ctx, encodeKey(key))
		s.misses.Add(1)
		return false, nil
	}

	s.hits.Add(1)
	if err := json.Unmarshal(env.Value, dest); err != nil {
		return false, fmt.Errorf("decoding cached value for %q: %w", key, err)
	}
	return true, nil
}

func (s *NATSStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %q: %w", key, err)
	}

	env := natsEnvelope{Value: raw}
	if exp := expiryFor(s.now(), ttl); !exp.IsZero() {
		env.ExpiresAt = exp.UnixMilli()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope for %q: %w", key, err)
	}

	if !s.IsConnected() {
		return nil
	}
	if _, err := s.kv.Put(ctx, encodeKey(key), data); err != nil {
		s.logger.Debug(ctx, "cache set failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if !s.IsConnected() {
		return nil
	}
	if err := s.kv.Delete(ctx, encodeKey(key)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		s.logger.Debug(ctx, "cache delete failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (s *NATSStore) Clear(ctx context.Context) error {
	if !s.IsConnected() {
		return nil
	}
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if !errors.Is(err, jetstream.ErrNoKeysFound) {
			s.logger.Debug(ctx, "cache clear failed", zap.Error(err))
		}
		return nil
	}
	for _, k := range keys {
		if err := s.kv.Delete(ctx, k); err != nil {
			s.logger.Debug(ctx, "cache clear delete failed", zap.String("key", k), zap.Error(err))
		}
	}
	return nil
}

// IsConnected reports whether the NATS connection is currently up.
func (s *NATSStore) IsConnected() bool {
	return s.nc.IsConnected()
}

func (s *NATSStore) Stats(ctx context.Context) Stats {
	st := Stats{
		Backend:   "nats",
		Connected: s.IsConnected(),
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
	}
	if st.Connected {
		if keys, err := s.kv.Keys(ctx); err == nil {
			st.Keys = len(keys)
		}
	}
	return st
}

// Close closes the connection if the store created it.
func (s *NATSStore) Close() error {
	if s.ownsConn {
		s.nc.Close()
	}
	return nil
}
