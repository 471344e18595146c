// Package sse pushes server events to clients over text/event-stream.
//
// Clients open GET /events and receive events for the channels they are
// subscribed to. Requests can be posted to /events/mcp; their responses are
// delivered on the caller's stream. Bridge and Publisher connect channels to
// NATS subjects so events can originate in other processes.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
	"github.com/fyrsmithlabs/mcpgateway/internal/ratelimit"
	"github.com/fyrsmithlabs/mcpgateway/internal/transport"
)

const (
	writeWait = 10 * time.Second

	// HeaderConnectionID identifies the caller's stream on follow-up requests.
	HeaderConnectionID = "X-Connection-ID"
)

// Config holds push adapter configuration.
type Config struct {
	Host              string
	Port              int
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	RetryMS           int
	DefaultChannel    string
	MaxConnections    int
	AllowedOrigins    []string
	APIKey            config.Secret
}

// ConfigFrom builds the adapter config from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:              cfg.SSE.Host,
		Port:              cfg.SSE.Port,
		HeartbeatInterval: cfg.SSE.HeartbeatInterval,
		ConnectionTimeout: cfg.SSE.ConnectionTimeout,
		RetryMS:           cfg.SSE.RetryMS,
		DefaultChannel:    cfg.SSE.DefaultChannel,
		MaxConnections:    cfg.SSE.MaxConnections,
		AllowedOrigins:    cfg.SSE.AllowedOrigins,
		APIKey:            cfg.Auth.APIKey,
	}
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 5 * time.Minute
	}
	if c.DefaultChannel == "" {
		c.DefaultChannel = "general"
	}
}

// Server is the push transport adapter.
type Server struct {
	cfg        Config
	dispatcher *mcp.Dispatcher
	logger     *logging.Logger
	limiter    *ratelimit.Limiter
	metrics    *Metrics
	onFatal    transport.FatalFunc
	now        func() time.Time

	echo   *echo.Echo
	server *transport.Server
	conns  *transport.Pool[*client]
	seq    atomic.Int64

	running     atomic.Bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	// mu orders stopping against wg.Add.
	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLimiter rate-limits posted requests per connection id.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithFatalHandler routes panics in adapter goroutines to fn.
func WithFatalHandler(fn transport.FatalFunc) Option {
	return func(s *Server) { s.onFatal = fn }
}

// WithClock overrides the clock used for liveness.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates the push adapter.
func NewServer(cfg Config, dispatcher *mcp.Dispatcher, opts ...Option) (*Server, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	cfg.applyDefaults()

	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logging.NewNop(),
		now:        time.Now,
		conns:      transport.NewPool[*client](),
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("sse")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-API-Key", HeaderConnectionID},
	}))
	if cfg.APIKey.IsSet() {
		e.Use(s.requireAPIKey)
	}
	e.GET("/events", s.handleStream)
	e.GET("/events/subscribe/:channel", s.handleSubscribe)
	e.GET("/events/unsubscribe/:channel", s.handleUnsubscribe)
	e.POST("/events/mcp", s.handleEnvelope)
	s.echo = e

	// Streams are long-lived, so no write timeout.
	s.server = transport.NewServer(transport.ServerConfig{
		Name: transport.SSE,
		Addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}, e, s.logger, s.onFatal)
	return s, nil
}

func (s *Server) Name() string { return transport.SSE }

func (s *Server) IsRunning() bool { return s.running.Load() }

// Addr returns the bound address.
func (s *Server) Addr() string { return s.server.Addr() }

// Echo exposes the router.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start binds the listener and starts the heartbeat loop.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("sse adapter already running")
	}
	base := logging.WithTransport(context.WithoutCancel(ctx), transport.SSE)
	loopCtx, cancel := context.WithCancel(base)
	s.baseCtx = base
	s.mu.Lock()
	s.stopping = false
	s.mu.Unlock()

	if err := s.server.Start(base); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.unsubscribe = s.dispatcher.Registry().OnChange(func(ev mcp.RegistryEvent) {
		s.BroadcastToAll(EventNotification, mcp.NewNotification(mcp.ListChangedMethod, ev))
	})
	s.running.Store(true)

	s.track()
	transport.Go(s.onFatal, "sse heartbeat", func() {
		defer s.wg.Done()
		s.heartbeatLoop(loopCtx)
	})
	return nil
}

// Stop ends every stream and shuts the listener down. Streams are closed
// first because Shutdown waits for active handlers.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.cancel()

	for _, c := range s.conns.Drain() {
		c.close()
	}
	s.metrics.setConnections(0)

	err := s.server.Stop(ctx)

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	s.logger.Info(ctx, "sse transport stopped")
	return err
}

func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// ConnectionCount returns the number of open streams.
func (s *Server) ConnectionCount() int { return s.conns.Len() }

// Connections snapshots the open streams.
func (s *Server) Connections() []transport.ConnectionInfo {
	snap := s.conns.Snapshot()
	out := make([]transport.ConnectionInfo, 0, len(snap))
	for _, c := range snap {
		out = append(out, c.Info())
	}
	return out
}

// BroadcastToChannel sends an event to every authenticated stream subscribed
// to channel and returns how many writes succeeded. A failing stream is
// closed without affecting the others.
func (s *Server) BroadcastToChannel(channel, event string, data any) int {
	return s.broadcast(event, data, func(c *client) bool { return c.subscribed(channel) })
}

// BroadcastToAll sends an event to every authenticated stream.
func (s *Server) BroadcastToAll(event string, data any) int {
	return s.broadcast(event, data, func(*client) bool { return true })
}

func (s *Server) broadcast(event string, data any, match func(*client) bool) int {
	payload, err := encodeEnvelope(data, s.now())
	if err != nil {
		s.logger.Error(s.baseCtx, "encoding event failed", zap.String("event", event), zap.Error(err))
		return 0
	}

	sent := 0
	for _, c := range s.conns.Snapshot() {
		if !c.Authenticated() || !match(c) {
			continue
		}
		if s.write(c, event, payload, 0) {
			sent++
		}
	}
	return sent
}

// SendTo delivers one event to a single stream.
func (s *Server) SendTo(connectionID, event string, data any) error {
	c, ok := s.conns.Get(connectionID)
	if !ok {
		return fmt.Errorf("connection %s: %w", connectionID, ErrUnknownConnection)
	}
	payload, err := encodeEnvelope(data, s.now())
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	if !s.write(c, event, payload, 0) {
		return fmt.Errorf("connection %s: write failed", connectionID)
	}
	return nil
}

// ErrUnknownConnection is returned for ids that have no open stream.
var ErrUnknownConnection = errors.New("unknown connection")

// write sends one frame and evicts c on failure.
func (s *Server) write(c *client, event string, payload []byte, retryMS int) bool {
	frame := FormatEvent(s.seq.Add(1), event, retryMS, payload)
	if err := c.write(frame); err != nil {
		s.logger.Debug(logging.WithConnectionID(s.baseCtx, c.ID), "event write failed", zap.Error(err))
		s.evict(c, "write_failed")
		return false
	}
	c.Touch(s.now())
	s.metrics.event(event)
	return true
}

func (s *Server) evict(c *client, reason string) {
	if _, ok := s.conns.Remove(c.ID); ok {
		s.metrics.setConnections(s.conns.Len())
		s.metrics.evicted(reason)
		s.logger.Info(logging.WithConnectionID(s.baseCtx, c.ID), "event stream evicted", zap.String("reason", reason))
	}
	c.close()
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// heartbeat evicts stale streams and pings the rest.
func (s *Server) heartbeat() {
	now := s.now()
	payload, _ := encodeEnvelope(map[string]any{"connections": s.conns.Len()}, now)

	for _, c := range s.conns.Snapshot() {
		if now.Sub(c.LastLiveness()) > s.cfg.ConnectionTimeout {
			s.evict(c, "timeout")
			continue
		}
		s.write(c, EventHeartbeat, payload, 0)
	}
}

func (s *Server) requireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.APIKey.Equal(transport.APIKeyFromRequest(c.Request())) {
			return next(c)
		}
		s.logger.Warn(c.Request().Context(), "sse authentication failed", zap.String("path", c.Request().URL.Path))
		s.metrics.reject("unauthorized")
		return c.JSON(http.StatusUnauthorized, mcp.NewErrorResponse(nil,
			mcp.NewError(mcp.AuthenticationError, "Authentication required")))
	}
}

// ConnectedEvent is the data of the first event on every stream.
type ConnectedEvent struct {
	ConnectionID string   `json:"connection_id"`
	Channels     []string `json:"channels"`
}

func (s *Server) handleStream(c echo.Context) error {
	r := c.Request()

	channels := []string{s.cfg.DefaultChannel}
	if q := c.QueryParam("channels"); q != "" {
		for _, ch := range strings.Split(q, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels = append(channels, ch)
			}
		}
	}

	id := transport.NewID()
	cl := newClient(transport.NewConnection(id, true, s.now()), c.Response(), channels)
	if !s.conns.TryAdd(id, cl, s.cfg.MaxConnections) {
		s.metrics.reject("capacity")
		return c.JSON(http.StatusServiceUnavailable, mcp.NewErrorResponse(nil,
			mcp.NewError(mcp.ServiceUnavailable, "Connection limit reached")))
	}
	if !s.track() {
		s.conns.Remove(id)
		return c.JSON(http.StatusServiceUnavailable, mcp.NewErrorResponse(nil,
			mcp.NewError(mcp.ServiceUnavailable, "Server shutting down")))
	}
	defer s.wg.Done()
	s.metrics.setConnections(s.conns.Len())

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ctx := logging.WithConnectionID(s.baseCtx, id)
	s.logger.Info(ctx, "event stream opened", zap.Strings("channels", cl.channelList()), zap.String("remote_ip", c.RealIP()))

	payload, _ := encodeEnvelope(ConnectedEvent{ConnectionID: id, Channels: cl.channelList()}, s.now())
	if !s.write(cl, EventConnected, payload, s.cfg.RetryMS) {
		return nil
	}

	select {
	case <-r.Context().Done():
	case <-cl.done:
	}
	if _, ok := s.conns.Remove(id); ok {
		s.metrics.setConnections(s.conns.Len())
	}
	cl.close()
	s.logger.Info(ctx, "event stream closed")
	return nil
}

func connectionIDFrom(c echo.Context) string {
	if id := c.Request().Header.Get(HeaderConnectionID); id != "" {
		return id
	}
	return c.QueryParam("connection_id")
}

// SubscriptionResponse is returned by the subscribe and unsubscribe routes.
type SubscriptionResponse struct {
	Success      bool     `json:"success"`
	ConnectionID string   `json:"connection_id"`
	Channel      string   `json:"channel"`
	Channels     []string `json:"channels"`
}

func (s *Server) lookup(c echo.Context) (*client, error) {
	id := connectionIDFrom(c)
	if id == "" {
		return nil, c.JSON(http.StatusBadRequest, mcp.NewErrorResponse(nil,
			mcp.InvalidParamsError("connection id is required")))
	}
	cl, ok := s.conns.Get(id)
	if !ok {
		return nil, c.JSON(http.StatusNotFound, mcp.NewErrorResponse(nil,
			mcp.NewError(mcp.InvalidParams, "Connection not found: %s", id)))
	}
	return cl, nil
}

func (s *Server) handleSubscribe(c echo.Context) error {
	cl, err := s.lookup(c)
	if cl == nil {
		return err
	}
	channel := c.Param("channel")
	cl.subscribe(channel)
	return c.JSON(http.StatusOK, SubscriptionResponse{Success: true, ConnectionID: cl.ID, Channel: channel, Channels: cl.channelList()})
}

func (s *Server) handleUnsubscribe(c echo.Context) error {
	cl, err := s.lookup(c)
	if cl == nil {
		return err
	}
	channel := c.Param("channel")
	cl.unsubscribe(channel)
	return c.JSON(http.StatusOK, SubscriptionResponse{Success: true, ConnectionID: cl.ID, Channel: channel, Channels: cl.channelList()})
}

// AcceptedResponse acknowledges a posted request.
type AcceptedResponse struct {
	Accepted     bool   `json:"accepted"`
	ConnectionID string `json:"connection_id"`
}

func (s *Server) handleEnvelope(c echo.Context) error {
	cl, err := s.lookup(c)
	if cl == nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	cl.IncRequests()
	ctx := logging.WithConnectionID(s.baseCtx, cl.ID)

	req, errResp := mcp.Decode(body)
	if errResp == nil && s.limiter != nil {
		if res := s.limiter.Check(ctx, cl.ID); res.Blocked {
			if !req.IsNotification() {
				errResp = mcp.NewErrorResponse(req.ID, ratelimit.BlockedError(res))
			}
			req = nil
		}
	}

	if !s.track() {
		return c.JSON(http.StatusServiceUnavailable, mcp.NewErrorResponse(nil,
			mcp.NewError(mcp.ServiceUnavailable, "Server shutting down")))
	}
	transport.Go(s.onFatal, "sse dispatch", func() {
		defer s.wg.Done()
		resp := errResp
		if resp == nil && req != nil {
			resp = s.dispatcher.Handle(ctx, req, mcp.CallInfo{Transport: transport.SSE, ConnectionID: cl.ID})
		}
		if resp == nil {
			return
		}
		if err := s.SendTo(cl.ID, EventMCPResponse, resp); err != nil {
			s.logger.Debug(ctx, "dropping response for closed stream", zap.Error(err))
		}
	})
	return c.JSON(http.StatusAccepted, AcceptedResponse{Accepted: true, ConnectionID: cl.ID})
}

// client is one open event stream.
type client struct {
	*transport.Connection

	w         http.ResponseWriter
	rc        *http.ResponseController
	writeMu   sync.Mutex
	subMu     sync.RWMutex
	channels  map[string]struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *transport.Connection, w http.ResponseWriter, channels []string) *client {
	c := &client{
		Connection: conn,
		w:          w,
		rc:         http.NewResponseController(w),
		channels:   make(map[string]struct{}, len(channels)),
		done:       make(chan struct{}),
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	return c
}

func (c *client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	_ = c.rc.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return c.rc.Flush()
}

// close waits for an in-flight write so nothing touches the response after
// the handler returns.
func (c *client) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		close(c.done)
		c.writeMu.Unlock()
	})
}

func (c *client) subscribed(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *client) subscribe(channel string) {
	c.subMu.Lock()
	c.channels[channel] = struct{}{}
	c.subMu.Unlock()
}

func (c *client) unsubscribe(channel string) {
	c.subMu.Lock()
	delete(c.channels, channel)
	c.subMu.Unlock()
}

func (c *client) channelList() []string {
	c.subMu.RLock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	c.subMu.RUnlock()
	sort.Strings(out)
	return out
}
