// Package socket serves the request protocol over WebSocket connections.
//
// Each text frame carries one request. Responses and server notifications
// are written back on the same connection. A liveness loop pings every
// connection and closes those that stop answering.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/mcpgateway/internal/config"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
	"github.com/fyrsmithlabs/mcpgateway/internal/ratelimit"
	"github.com/fyrsmithlabs/mcpgateway/internal/transport"
)

const (
	writeWait = 10 * time.Second

	// ListChangedMethod is the notification sent when the tool set changes.
	ListChangedMethod = mcp.ListChangedMethod
)

// Config holds socket adapter configuration.
type Config struct {
	Host            string
	Port            int
	Path            string
	MaxConnections  int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	FramesPerSecond float64
	FrameBurst      int
	AllowedOrigins  []string
	APIKey          config.Secret
}

// ConfigFrom builds the adapter config from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:            cfg.Socket.Host,
		Port:            cfg.Socket.Port,
		Path:            cfg.Socket.Path,
		MaxConnections:  cfg.Socket.MaxConnections,
		PingInterval:    cfg.Socket.PingInterval,
		PongTimeout:     cfg.Socket.PongTimeout,
		MaxMessageBytes: cfg.Socket.MaxMessageBytes,
		FramesPerSecond: cfg.Socket.FramesPerSecond,
		FrameBurst:      cfg.Socket.FrameBurst,
		AllowedOrigins:  cfg.Socket.AllowedOrigins,
		APIKey:          cfg.Auth.APIKey,
	}
}

func (c *Config) applyDefaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 1
	}
}

// Server is the socket transport adapter.
type Server struct {
	cfg        Config
	dispatcher *mcp.Dispatcher
	logger     *logging.Logger
	limiter    *ratelimit.Limiter
	metrics    *Metrics
	onFatal    transport.FatalFunc
	now        func() time.Time

	echo     *echo.Echo
	server   *transport.Server
	upgrader websocket.Upgrader
	conns    *transport.Pool[*conn]

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

// WithLimiter rate-limits requests per connection id.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithFatalHandler routes panics in connection goroutines to fn.
func WithFatalHandler(fn transport.FatalFunc) Option {
	return func(s *Server) { s.onFatal = fn }
}

// WithClock overrides the liveness clock.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates the socket adapter.
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
		conns:      transport.NewPool[*conn](),
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("socket")

	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET(cfg.Path, s.handleUpgrade)
	s.echo = e

	s.server = transport.NewServer(transport.ServerConfig{
		Name: transport.Socket,
		Addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}, e, s.logger, s.onFatal)
	return s, nil
}

func (s *Server) Name() string { return transport.Socket }

func (s *Server) IsRunning() bool { return s.running.Load() }

// Addr returns the bound address.
func (s *Server) Addr() string { return s.server.Addr() }

// Echo exposes the router.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start binds the listener, starts the liveness loop and subscribes to
// registry changes.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("socket adapter already running")
	}
	base := logging.WithTransport(context.WithoutCancel(ctx), transport.Socket)
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
		s.Broadcast(mcp.NewNotification(ListChangedMethod, ev))
	})
	s.running.Store(true)

	s.track()
	transport.Go(s.onFatal, "socket liveness", func() {
		defer s.wg.Done()
		s.livenessLoop(loopCtx)
	})
	return nil
}

// Stop closes every connection with a going-away frame and shuts the
// listener down.
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
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.metrics.setConnections(0)

	// Hijacked connections are not tracked by http.Server.Shutdown.
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
	s.logger.Info(ctx, "socket transport stopped")
	return err
}

// track counts one adapter goroutine unless the adapter is stopping.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// ConnectionCount returns the number of open connections.
func (s *Server) ConnectionCount() int { return s.conns.Len() }

// Connections snapshots the open connections.
func (s *Server) Connections() []transport.ConnectionInfo {
	snap := s.conns.Snapshot()
	out := make([]transport.ConnectionInfo, 0, len(snap))
	for _, c := range snap {
		out = append(out, c.Info())
	}
	return out
}

// Broadcast writes v to every authenticated connection and returns how many
// writes succeeded. Connections whose write fails are closed.
func (s *Server) Broadcast(v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error(s.baseCtx, "encoding broadcast failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, c := range s.conns.Snapshot() {
		if !c.Authenticated() || !c.open() {
			continue
		}
		if err := c.write(data); err != nil {
			if !errors.Is(err, errHandshaking) {
				s.evict(c, websocket.CloseAbnormalClosure, "write failed")
			}
			continue
		}
		sent++
	}
	return sent
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin) || slices.Contains(s.cfg.AllowedOrigins, "*")
}

func (s *Server) handleUpgrade(c echo.Context) error {
	r := c.Request()
	w := c.Response()

	if s.cfg.APIKey.IsSet() && !s.cfg.APIKey.Equal(transport.APIKeyFromRequest(r)) {
		s.rejectUnauthorized(w, r)
		return nil
	}

	id := transport.NewID()
	cn := newConn(id, s.now())
	// The slot is reserved before the upgrade so capacity is refused with a
	// plain 503. Until attach succeeds the entry has no socket and is skipped
	// by broadcasts and the liveness loop.
	if !s.conns.TryAdd(id, cn, s.cfg.MaxConnections) {
		s.metrics.reject("capacity")
		s.logger.Warn(r.Context(), "socket connection refused at capacity",
			zap.Int("max_connections", s.cfg.MaxConnections))
		return c.JSON(http.StatusServiceUnavailable, mcp.NewErrorResponse(nil,
			mcp.NewError(mcp.ServiceUnavailable, "Connection limit reached")))
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.conns.Remove(id)
		s.metrics.reject("handshake")
		s.logger.Debug(r.Context(), "socket upgrade failed", zap.Error(err))
		return nil
	}
	if !cn.attach(ws, s.now()) || !s.track() {
		s.conns.Remove(id)
		cn.close(websocket.CloseGoingAway, "server shutting down")
		return nil
	}
	if s.cfg.FramesPerSecond > 0 {
		cn.flood = rate.NewLimiter(rate.Limit(s.cfg.FramesPerSecond), s.cfg.FrameBurst)
	}
	s.metrics.setConnections(s.conns.Len())

	ctx := logging.WithConnectionID(s.baseCtx, id)
	s.logger.Info(ctx, "socket connection opened", zap.String("remote_ip", c.RealIP()))

	transport.Go(s.onFatal, "socket reader", func() {
		defer s.wg.Done()
		s.readLoop(ctx, cn, ws)
	})
	return nil
}

// rejectUnauthorized completes the handshake and immediately closes with a
// policy violation so clients see a close code rather than an HTTP error.
func (s *Server) rejectUnauthorized(w http.ResponseWriter, r *http.Request) {
	s.metrics.reject("unauthorized")
	s.logger.Warn(r.Context(), "socket authentication failed")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Authentication required")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = ws.Close()
}

func (s *Server) readLoop(ctx context.Context, c *conn, ws *websocket.Conn) {
	defer s.evict(c, websocket.CloseNormalClosure, "")

	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	ws.SetPongHandler(func(string) error {
		now := s.now()
		c.pongSeen(now)
		c.Touch(now)
		return nil
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug(ctx, "socket read failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if c.flood != nil && !c.flood.Allow() {
			s.metrics.reject("flood")
			s.logger.Warn(ctx, "socket frame rate exceeded, closing connection")
			c.close(websocket.ClosePolicyViolation, "Frame rate exceeded")
			return
		}
		c.Touch(s.now())
		s.handleFrame(ctx, c, data)
	}
}

type framePeek struct {
	Type    string `json:"type"`
	JSONRPC string `json:"jsonrpc"`
}

// PongFrame answers an application-level ping frame.
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleFrame(ctx context.Context, c *conn, data []byte) {
	var peek framePeek
	if json.Unmarshal(data, &peek) == nil && peek.Type == "ping" && peek.JSONRPC == "" {
		s.metrics.frame("ping")
		s.send(ctx, c, PongFrame{Type: "pong", Timestamp: s.now().UTC().Format(time.RFC3339Nano)})
		return
	}

	s.metrics.frame("request")
	c.IncRequests()

	req, errResp := mcp.Decode(data)
	if errResp != nil {
		s.send(ctx, c, errResp)
		return
	}

	if s.limiter != nil {
		if res := s.limiter.Check(ctx, c.ID); res.Blocked {
			if !req.IsNotification() {
				s.send(ctx, c, mcp.NewErrorResponse(req.ID, ratelimit.BlockedError(res)))
			}
			return
		}
	}

	call := mcp.CallInfo{Transport: transport.Socket, ConnectionID: c.ID}
	if !s.track() {
		return
	}
	transport.Go(s.onFatal, "socket dispatch", func() {
		defer s.wg.Done()
		resp := s.dispatcher.Handle(ctx, req, call)
		if resp == nil || !c.open() {
			return
		}
		s.send(ctx, c, resp)
	})
}

func (s *Server) send(ctx context.Context, c *conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error(ctx, "encoding socket frame failed", zap.Error(err))
		return
	}
	if err := c.write(data); err != nil {
		s.logger.Debug(ctx, "socket write failed", zap.Error(err))
		s.evict(c, websocket.CloseAbnormalClosure, "write failed")
	}
}

func (s *Server) livenessLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkLiveness(ctx)
		}
	}
}

// checkLiveness evicts connections that have not answered a ping within
// PongTimeout + PingInterval and pings the rest. Inbound data frames do not
// count as liveness; only pongs do.
func (s *Server) checkLiveness(ctx context.Context) {
	deadline := s.cfg.PongTimeout + s.cfg.PingInterval
	now := s.now()

	for _, c := range s.conns.Snapshot() {
		if !c.attached() {
			continue
		}
		if since := now.Sub(c.lastPong()); since > deadline {
			s.logger.Info(logging.WithConnectionID(ctx, c.ID), "socket connection timed out",
				zap.Duration("since_last_pong", since),
				zap.Time("last_ping_sent", c.lastPing()))
			s.metrics.reject("timeout")
			s.evict(c, websocket.ClosePolicyViolation, "Pong timeout")
			continue
		}
		if err := c.ping(now); err != nil {
			s.evict(c, websocket.CloseAbnormalClosure, "ping failed")
		}
	}
}

// evict removes c from the pool and closes it. Safe to call repeatedly.
func (s *Server) evict(c *conn, code int, reason string) {
	if _, ok := s.conns.Remove(c.ID); ok {
		s.metrics.setConnections(s.conns.Len())
		s.logger.Info(logging.WithConnectionID(s.baseCtx, c.ID), "socket connection closed",
			zap.Int64("requests", c.RequestCount()))
	}
	c.close(code, reason)
}

// errHandshaking is returned for writes to a connection whose upgrade has
// not completed.
var errHandshaking = errors.New("socket handshake in progress")

// conn is one accepted socket connection. ws stays nil while the handshake
// runs.
type conn struct {
	*transport.Connection

	ws    atomic.Pointer[websocket.Conn]
	flood *rate.Limiter

	lastPingSent atomic.Int64 // unix nanos
	lastPongSeen atomic.Int64 // unix nanos

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, now time.Time) *conn {
	c := &conn{
		Connection: transport.NewConnection(id, true, now),
		done:       make(chan struct{}),
	}
	c.lastPongSeen.Store(now.UnixNano())
	return c
}

// attach binds the upgraded socket and starts the pong clock. It reports
// false, closing ws, when c was closed during the handshake.
func (c *conn) attach(ws *websocket.Conn, now time.Time) bool {
	c.lastPongSeen.Store(now.UnixNano())
	c.ws.Store(ws)
	if !c.open() {
		_ = ws.Close()
		return false
	}
	return true
}

func (c *conn) attached() bool { return c.ws.Load() != nil }

func (c *conn) pongSeen(t time.Time) { c.lastPongSeen.Store(t.UnixNano()) }

func (c *conn) lastPong() time.Time { return time.Unix(0, c.lastPongSeen.Load()) }

func (c *conn) lastPing() time.Time { return time.Unix(0, c.lastPingSent.Load()) }

func (c *conn) open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.open() {
		return net.ErrClosed
	}
	ws := c.ws.Load()
	if ws == nil {
		return errHandshaking
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) ping(now time.Time) error {
	ws := c.ws.Load()
	if ws == nil {
		return errHandshaking
	}
	c.lastPingSent.Store(now.UnixNano())
	return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		ws := c.ws.Load()
		if ws == nil {
			return
		}
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = ws.Close()
	})
}
