// Package gateway owns the transport adapters and the tool registry they
// share.
//
// A Gateway starts its adapters in order and stops them together. Any
// adapter goroutine that panics is routed to Fatal, which stops everything
// and closes Done so the process can exit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

// ErrAlreadyStarted is returned by Start on a running gateway.
var ErrAlreadyStarted = errors.New("gateway already started")

const defaultStopTimeout = 10 * time.Second

// Adapter is one transport front end.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// AdapterStatus reports whether an adapter is serving.
type AdapterStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// Gateway coordinates adapter lifecycle.
type Gateway struct {
	registry *mcp.ToolRegistry
	logger   *logging.Logger

	mu          sync.Mutex
	adapters    []Adapter
	started     bool
	stopTimeout time.Duration

	fatalOnce sync.Once
	errMu     sync.Mutex
	fatalErr  error
	done      chan struct{}
}

// New creates a gateway over registry. Adapters start in the order given.
func New(registry *mcp.ToolRegistry, logger *logging.Logger, adapters ...Adapter) *Gateway {
	if registry == nil {
		registry = mcp.NewToolRegistry()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Gateway{
		registry:    registry,
		logger:      logger.Named("gateway"),
		adapters:    adapters,
		stopTimeout: defaultStopTimeout,
		done:        make(chan struct{}),
	}
}

// SetStopTimeout bounds the shutdown triggered by Fatal.
func (g *Gateway) SetStopTimeout(d time.Duration) {
	if d > 0 {
		g.mu.Lock()
		g.stopTimeout = d
		g.mu.Unlock()
	}
}

// Add appends an adapter. Adapters cannot be added while running.
func (g *Gateway) Add(a Adapter) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}
	g.adapters = append(g.adapters, a)
	return nil
}

func (g *Gateway) Registry() *mcp.ToolRegistry { return g.registry }

// Start starts every adapter. If one fails, the adapters already started are
// stopped again and the error is returned.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}

	started := make([]Adapter, 0, len(g.adapters))
	for _, a := range g.adapters {
		if err := a.Start(ctx); err != nil {
			g.logger.Error(ctx, "adapter failed to start", zap.String("adapter", a.Name()), zap.Error(err))
			if stopErr := stopAll(ctx, started); stopErr != nil {
				g.logger.Warn(ctx, "rollback incomplete", zap.Error(stopErr))
			}
			return fmt.Errorf("starting %s adapter: %w", a.Name(), err)
		}
		g.logger.Info(ctx, "adapter started", zap.String("adapter", a.Name()))
		started = append(started, a)
	}

	g.started = true
	g.logger.Info(ctx, "gateway started",
		zap.Int("adapters", len(started)),
		zap.Int("tools", g.registry.Count()))
	return nil
}

// Stop stops every running adapter in reverse start order and joins their
// errors.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return nil
	}
	g.started = false
	err := stopAll(ctx, g.adapters)
	if err != nil {
		g.logger.Error(ctx, "gateway stopped with errors", zap.Error(err))
	} else {
		g.logger.Info(ctx, "gateway stopped")
	}
	return err
}

func stopAll(ctx context.Context, adapters []Adapter) error {
	var errs []error
	for i := len(adapters) - 1; i >= 0; i-- {
		a := adapters[i]
		if !a.IsRunning() {
			continue
		}
		if err := a.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s adapter: %w", a.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Fatal records err, stops every adapter and then closes Done. Only the
// first call has any effect. The shutdown runs on its own goroutine since
// Fatal is usually called from an adapter goroutine that Stop waits for.
func (g *Gateway) Fatal(err error) {
	g.fatalOnce.Do(func() {
		g.errMu.Lock()
		g.fatalErr = err
		g.errMu.Unlock()

		ctx := context.Background()
		g.logger.Error(ctx, "fatal error, shutting down", zap.Error(err))
		go func() {
			defer close(g.done)
			g.mu.Lock()
			timeout := g.stopTimeout
			g.mu.Unlock()
			stopCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if stopErr := g.Stop(stopCtx); stopErr != nil {
				g.logger.Warn(ctx, "shutdown after fatal error incomplete", zap.Error(stopErr))
			}
		}()
	})
}

// Done is closed once a Fatal shutdown has completed.
func (g *Gateway) Done() <-chan struct{} { return g.done }

// Err returns the error passed to Fatal, if any.
func (g *Gateway) Err() error {
	g.errMu.Lock()
	defer g.errMu.Unlock()
	return g.fatalErr
}

// RegisterTool adds tool to the shared registry. Running adapters see it on
// their next request.
func (g *Gateway) RegisterTool(tool mcp.Tool) error {
	if err := g.registry.Register(tool); err != nil {
		return err
	}
	g.logger.Debug(context.Background(), "tool registered", zap.String("tool", tool.Definition().Name))
	return nil
}

// UnregisterTool removes the named tool.
func (g *Gateway) UnregisterTool(name string) bool {
	return g.registry.Unregister(name)
}

// Status reports every adapter's running flag in start order.
func (g *Gateway) Status() []AdapterStatus {
	g.mu.Lock()
	adapters := append([]Adapter(nil), g.adapters...)
	g.mu.Unlock()

	out := make([]AdapterStatus, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, AdapterStatus{Name: a.Name(), Running: a.IsRunning()})
	}
	return out
}
