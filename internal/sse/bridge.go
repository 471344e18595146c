package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
)

// HeaderEvent carries the event name on bridged NATS messages.
const HeaderEvent = "Event"

// DefaultEvent names bridged messages that carry no event header.
const DefaultEvent = "message"

// Broadcaster fans an event out to the streams subscribed to channel.
type Broadcaster interface {
	BroadcastToChannel(channel, event string, data any) int
}

// Bridge forwards NATS messages on <prefix>.<channel> to a Broadcaster.
type Bridge struct {
	nc     *nats.Conn
	prefix string
	target Broadcaster
	logger *logging.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewBridge creates a bridge for subjects under prefix.
func NewBridge(nc *nats.Conn, prefix string, target Broadcaster, logger *logging.Logger) (*Bridge, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if target == nil {
		return nil, errors.New("broadcast target is required")
	}
	if prefix == "" {
		return nil, errors.New("subject prefix is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{nc: nc, prefix: prefix, target: target, logger: logger.Named("bridge")}, nil
}

// Start subscribes to <prefix>.>.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return nil
	}

	subject := b.prefix + ".>"
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		b.forward(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	// Make sure the server has the interest before publishers rely on it.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flushing subscription: %w", err)
	}
	b.sub = sub
	b.logger.Info(ctx, "event bridge subscribed", zap.String("subject", subject))
	return nil
}

// Stop drains the subscription.
func (b *Bridge) Stop(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Drain()
	b.sub = nil
	return err
}

func (b *Bridge) forward(ctx context.Context, msg *nats.Msg) {
	channel := strings.TrimPrefix(msg.Subject, b.prefix+".")
	if channel == "" || channel == msg.Subject {
		return
	}

	event := DefaultEvent
	if msg.Header != nil {
		if e := msg.Header.Get(HeaderEvent); e != "" {
			event = e
		}
	}

	var data any = json.RawMessage(msg.Data)
	if !json.Valid(msg.Data) {
		data = string(msg.Data)
	}
	n := b.target.BroadcastToChannel(channel, event, data)
	b.logger.Trace(ctx, "bridged event",
		zap.String("channel", channel),
		zap.String("event", event),
		zap.Int("delivered", n))
}

// Publisher sends channel events through NATS when connected, so every
// gateway process sharing the subject prefix sees them, and straight to the
// local adapter otherwise.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	local  Broadcaster
	logger *logging.Logger
}

// NewPublisher creates a publisher. nc may be nil.
func NewPublisher(nc *nats.Conn, prefix string, local Broadcaster, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, local: local, logger: logger.Named("publisher")}
}

// Publish sends one event on channel.
func (p *Publisher) Publish(ctx context.Context, channel, event string, data any) error {
	if p == nil {
		return nil
	}
	if p.nc != nil && p.nc.IsConnected() {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encoding %s event: %w", event, err)
		}
		msg := &nats.Msg{
			Subject: p.prefix + "." + channel,
			Data:    payload,
			Header:  nats.Header{},
		}
		msg.Header.Set(HeaderEvent, event)
		if err := p.nc.PublishMsg(msg); err != nil {
			p.logger.Warn(ctx, "nats publish failed, delivering locally", zap.Error(err))
		} else {
			return nil
		}
	}
	if p.local != nil {
		p.local.BroadcastToChannel(channel, event, data)
	}
	return nil
}
