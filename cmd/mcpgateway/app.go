package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/analyzer"
	"github.com/fyrsmithlabs/mcpgateway/internal/cache"
	"github.com/fyrsmithlabs/mcpgateway/internal/config"
	"github.com/fyrsmithlabs/mcpgateway/internal/gateway"
	httpserver "github.com/fyrsmithlabs/mcpgateway/internal/http"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
	"github.com/fyrsmithlabs/mcpgateway/internal/ratelimit"
	"github.com/fyrsmithlabs/mcpgateway/internal/socket"
	"github.com/fyrsmithlabs/mcpgateway/internal/sse"
	"github.com/fyrsmithlabs/mcpgateway/internal/telemetry"
	"github.com/fyrsmithlabs/mcpgateway/internal/tools"
	"github.com/fyrsmithlabs/mcpgateway/internal/transport/stdio"
)

const instrumentationName = "github.com/fyrsmithlabs/mcpgateway"

type appOptions struct {
	In  io.Reader
	Out io.Writer
	// Registry receives the Prometheus collectors. A fresh registry is
	// used when nil.
	Registry *prometheus.Registry
}

// app holds everything serve wires together.
type app struct {
	cfg        *config.Config
	logger     *logging.Logger
	telemetry  *telemetry.Telemetry
	cache      cache.Cache
	registry   *mcp.ToolRegistry
	dispatcher *mcp.Dispatcher
	gateway    *gateway.Gateway

	events *nats.Conn
	bridge *sse.Bridge

	inputClosed chan error
}

// newApp builds the gateway from cfg. Nothing listens until run.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, inputClosed: make(chan error, 1)}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, cfg.Server.Name, cfg.Server.Version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.telemetry = tel
	if cfg.Logging.OTEL {
		tel.SetLoggerProvider(global.GetLoggerProvider())
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	a.logger = logger
	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", h.Reason))
	}

	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	a.cache = cache.New(ctx, cfg.Cache, logger)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(a.cache, ratelimit.Config{
			Window:      cfg.RateLimit.Window,
			MaxRequests: cfg.RateLimit.MaxRequests,
		}, ratelimit.WithLogger(logger), ratelimit.WithMetrics(ratelimit.NewMetrics(reg)))
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("creating rate limiter: %w", err)
		}
	}

	a.registry = mcp.NewToolRegistry()
	a.dispatcher = mcp.NewDispatcher(a.registry, mcp.DispatcherConfig{
		Name:               cfg.Server.Name,
		Version:            cfg.Server.Version,
		ToolTimeout:        cfg.Server.ToolTimeout,
		ExposeErrorDetails: cfg.Server.ExposeErrorDetails,
		Logger:             logger,
		Metrics:            mcp.NewMetrics(tel.Meter(instrumentationName), logger),
		Tracer:             tel.Tracer(instrumentationName),
	})

	a.gateway = gateway.New(a.registry, logger)
	a.gateway.SetStopTimeout(cfg.Server.ShutdownTimeout)

	pushServer, err := a.addAdapters(opts, reg, limiter)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	publisher := a.connectEvents(ctx, pushServer)

	an, err := analyzer.New(analyzer.ConfigFrom(cfg.Analyzer), logger)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("creating analyzer: %w", err)
	}

	set := tools.New(tools.Deps{
		Name:      cfg.Server.Name,
		Version:   cfg.Server.Version,
		Analyzer:  an,
		Cache:     a.cache,
		Publisher: publisher,
		Adapters:  a.gateway.Status,
		Environment: tools.Environment{
			APIKeyConfigured: cfg.Auth.APIKey.IsSet(),
			NATSConfigured:   cfg.Cache.NATSURL != "" || cfg.Events.NATSURL != "",
			OpenAIConfigured: cfg.Analyzer.OpenAIAPIKey.IsSet(),
		},
		EchoTool: cfg.Server.EchoTool,
		Logger:   logger,
	})
	if err := set.Register(a.registry); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("registering tools: %w", err)
	}
	return a, nil
}

// addAdapters creates the enabled transports in start order and returns the
// push server, if enabled.
func (a *app) addAdapters(opts appOptions, reg *prometheus.Registry, limiter *ratelimit.Limiter) (*sse.Server, error) {
	cfg := a.cfg

	if cfg.Stdio.Enabled {
		in, out := opts.In, opts.Out
		if in == nil || out == nil {
			return nil, errors.New("stdio transport needs input and output streams")
		}
		adapter := stdio.New(in, out, a.dispatcher,
			stdio.WithLogger(a.logger),
			stdio.WithMaxLineBytes(cfg.Stdio.MaxLineBytes),
			stdio.WithFatalHandler(a.gateway.Fatal),
			stdio.WithOnClose(func(err error) {
				if !cfg.Stdio.ExitOnEOF {
					return
				}
				select {
				case a.inputClosed <- err:
				default:
				}
			}),
		)
		if err := a.gateway.Add(adapter); err != nil {
			return nil, err
		}
	}

	if cfg.HTTP.Enabled {
		srv, err := httpserver.NewServer(httpserver.ConfigFrom(cfg), a.dispatcher,
			httpserver.WithLogger(a.logger),
			httpserver.WithLimiter(limiter),
			httpserver.WithCache(a.cache),
			httpserver.WithMetrics(httpserver.NewHTTPMetrics(a.telemetry.Meter(instrumentationName), a.logger)),
			httpserver.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
			httpserver.WithFatalHandler(a.gateway.Fatal),
		)
		if err != nil {
			return nil, fmt.Errorf("creating http adapter: %w", err)
		}
		if err := a.gateway.Add(srv); err != nil {
			return nil, err
		}
	}

	if cfg.Socket.Enabled {
		srv, err := socket.NewServer(socket.ConfigFrom(cfg), a.dispatcher,
			socket.WithLogger(a.logger),
			socket.WithLimiter(limiter),
			socket.WithMetrics(socket.NewMetrics(reg)),
			socket.WithFatalHandler(a.gateway.Fatal),
		)
		if err != nil {
			return nil, fmt.Errorf("creating socket adapter: %w", err)
		}
		if err := a.gateway.Add(srv); err != nil {
			return nil, err
		}
	}

	var push *sse.Server
	if cfg.SSE.Enabled {
		srv, err := sse.NewServer(sse.ConfigFrom(cfg), a.dispatcher,
			sse.WithLogger(a.logger),
			sse.WithLimiter(limiter),
			sse.WithMetrics(sse.NewMetrics(reg)),
			sse.WithFatalHandler(a.gateway.Fatal),
		)
		if err != nil {
			return nil, fmt.Errorf("creating sse adapter: %w", err)
		}
		if err := a.gateway.Add(srv); err != nil {
			return nil, err
		}
		push = srv
	}
	return push, nil
}

// connectEvents connects to the events NATS server when configured and
// returns the publisher tools use. Without NATS, events go straight to the
// local push server.
func (a *app) connectEvents(ctx context.Context, push *sse.Server) *sse.Publisher {
	var local sse.Broadcaster
	if push != nil {
		local = push
	}
	prefix := a.cfg.Events.SubjectPrefix

	if url := a.cfg.Events.NATSURL; url != "" {
		nc, err := nats.Connect(url,
			nats.Name("mcpgateway-events"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			a.logger.Warn(ctx, "events nats unreachable, publishing locally", zap.String("url", url), zap.Error(err))
		} else {
			a.events = nc
		}
	}

	if a.events != nil && push != nil {
		bridge, err := sse.NewBridge(a.events, prefix, push, a.logger)
		if err != nil {
			a.logger.Warn(ctx, "event bridge disabled", zap.Error(err))
		} else {
			a.bridge = bridge
		}
	}
	return sse.NewPublisher(a.events, prefix, local, a.logger)
}

// run starts the gateway and blocks until ctx ends, input closes or an
// adapter fails.
func (a *app) run(ctx context.Context, configPath string) error {
	defer a.close(ctx)

	if err := a.gateway.Start(ctx); err != nil {
		return err
	}
	if a.bridge != nil {
		if err := a.bridge.Start(ctx); err != nil {
			a.logger.Warn(ctx, "event bridge failed to start", zap.Error(err))
			a.bridge = nil
		}
	}
	if configPath != "" {
		if err := config.Watch(ctx, configPath, a.reload, func(err error) {
			a.logger.Warn(ctx, "config reload failed", zap.Error(err))
		}); err != nil {
			a.logger.Warn(ctx, "config watcher disabled", zap.Error(err))
		}
	}

	a.logger.Info(ctx, "gateway ready",
		zap.Strings("tools", a.registry.Names()),
		zap.Any("adapters", a.gateway.Status()))

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info(ctx, "shutdown signal received")
	case err := <-a.inputClosed:
		if err != nil {
			runErr = fmt.Errorf("reading input: %w", err)
		}
		a.logger.Info(ctx, "input closed, shutting down")
	case <-a.gateway.Done():
		return a.gateway.Err()
	}

	stopCtx, cancel := shutdownContext(a.cfg)
	defer cancel()
	if a.bridge != nil {
		if err := a.bridge.Stop(stopCtx); err != nil {
			a.logger.Warn(stopCtx, "event bridge stop failed", zap.Error(err))
		}
	}
	if err := a.gateway.Stop(stopCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// reload applies the settings that can change without a restart.
func (a *app) reload(cfg *config.Config) {
	ctx := context.Background()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		a.logger.Warn(ctx, "ignoring invalid log level", zap.String("level", cfg.Logging.Level))
		return
	}
	a.logger.SetLevel(level)
	a.logger.Info(ctx, "configuration reloaded", zap.String("log_level", level.String()))
}

// close releases connections and flushes telemetry.
func (a *app) close(ctx context.Context) {
	stopCtx, cancel := shutdownContext(a.cfg)
	defer cancel()

	if a.events != nil {
		if err := a.events.Drain(); err != nil {
			a.events.Close()
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "closing cache failed", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(stopCtx); err != nil && a.logger != nil {
			a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
