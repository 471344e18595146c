package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Name         string
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server owns one listener and the http.Server serving it. Adapters embed
// it for their network lifecycle.
type Server struct {
	cfg     ServerConfig
	handler http.Handler
	logger  *logging.Logger
	onFatal FatalFunc

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	running bool
}

// NewServer creates a stopped server for handler.
func NewServer(cfg ServerConfig, handler http.Handler, logger *logging.Logger, onFatal FatalFunc) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Server{cfg: cfg, handler: handler, logger: logger, onFatal: onFatal}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors go to the fatal handler.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%s server already running", s.cfg.Name)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s listen on %s: %w", s.cfg.Name, s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	s.srv = srv
	s.ln = ln
	s.running = true

	Go(s.onFatal, s.cfg.Name+" server", func() {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}
		s.logger.Error(ctx, "server stopped unexpectedly", zap.String("server", s.cfg.Name), zap.Error(err))
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if s.onFatal != nil {
			s.onFatal(fmt.Errorf("%s server: %w", s.cfg.Name, err))
		}
	})

	s.logger.Info(ctx, "server listening",
		zap.String("server", s.cfg.Name),
		zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if srv == nil || !wasRunning {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("%s shutdown: %w", s.cfg.Name, err)
	}
	s.logger.Info(ctx, "server stopped", zap.String("server", s.cfg.Name))
	return nil
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}
