// Package http serves the request protocol over HTTP request/response.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/cache"
	"github.com/fyrsmithlabs/mcpgateway/internal/config"
	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
	"github.com/fyrsmithlabs/mcpgateway/internal/ratelimit"
	"github.com/fyrsmithlabs/mcpgateway/internal/transport"
)

// Config holds HTTP adapter configuration.
type Config struct {
	Host              string
	Port              int
	AllowedOrigins    []string
	BodyLimit         string
	ProtectedPrefixes []string
	RateLimitHeader   string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	APIKey            config.Secret
}

// ConfigFrom builds the adapter config from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Host:              cfg.HTTP.Host,
		Port:              cfg.HTTP.Port,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		BodyLimit:         cfg.HTTP.BodyLimit,
		ProtectedPrefixes: cfg.HTTP.ProtectedPrefixes,
		RateLimitHeader:   cfg.HTTP.RateLimitHeader,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		APIKey:            cfg.Auth.APIKey,
	}
}

// Server is the HTTP transport adapter.
type Server struct {
	echo       *echo.Echo
	server     *transport.Server
	dispatcher *mcp.Dispatcher
	logger     *logging.Logger
	config     Config

	limiter        *ratelimit.Limiter
	cache          cache.Cache
	metrics        *HTTPMetrics
	metricsHandler http.Handler
	onFatal        transport.FatalFunc
	started        time.Time
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

// WithLimiter enables per-client rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithCache reports cache state on /health.
func WithCache(c cache.Cache) Option {
	return func(s *Server) { s.cache = c }
}

// WithMetrics records request metrics.
func WithMetrics(m *HTTPMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithFatalHandler routes unexpected serve failures to fn.
func WithFatalHandler(fn transport.FatalFunc) Option {
	return func(s *Server) { s.onFatal = fn }
}

// NewServer creates the HTTP adapter.
func NewServer(cfg Config, dispatcher *mcp.Dispatcher, opts ...Option) (*Server, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = "1M"
	}
	if cfg.ProtectedPrefixes == nil {
		cfg.ProtectedPrefixes = []string{"/mcp", "/api"}
	}

	s := &Server{
		dispatcher:     dispatcher,
		logger:         logging.NewNop(),
		config:         cfg,
		metricsHandler: promhttp.Handler(),
		started:        time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	s.echo = e

	s.registerMiddleware()
	s.registerRoutes()

	s.server = transport.NewServer(transport.ServerConfig{
		Name:         transport.HTTP,
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, e, s.logger, s.onFatal)
	return s, nil
}

func (s *Server) registerMiddleware() {
	e := s.echo

	e.Use(middleware.Recover())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'",
		ReferrerPolicy:        "no-referrer",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.config.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderContentType,
			echo.HeaderAuthorization,
			"X-API-Key",
			echo.HeaderXRequestID,
		},
		ExposeHeaders: []string{
			ratelimit.HeaderLimit,
			ratelimit.HeaderRemaining,
			ratelimit.HeaderReset,
			echo.HeaderXRequestID,
		},
		MaxAge: 600,
	}))
	e.Use(middleware.BodyLimit(s.config.BodyLimit))
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			ctx := logging.WithTransport(c.Request().Context(), transport.HTTP)
			ctx = logging.WithRequestID(ctx, id)
			c.SetRequest(c.Request().WithContext(ctx))
		},
	}))
	e.Use(s.requestLogger())
	if s.metrics != nil {
		e.Use(s.metrics.MetricsMiddleware())
	}

	if s.limiter != nil {
		extractor := func(c echo.Context) string { return c.RealIP() }
		if s.config.RateLimitHeader != "" {
			extractor = ratelimit.HeaderIdentifier(s.config.RateLimitHeader)
		}
		e.Use(ratelimit.Middleware(ratelimit.MiddlewareConfig{
			Limiter:             s.limiter,
			IdentifierExtractor: extractor,
			Logger:              s.logger,
		}))
	}

	if s.config.APIKey.IsSet() {
		e.Use(s.requireAPIKey())
	}
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			s.logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_ip", c.RealIP()),
			)
			return nil
		}
	}
}

func (s *Server) requireAPIKey() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.isProtected(c.Request().URL.Path) {
				return next(c)
			}
			if !s.config.APIKey.Equal(transport.APIKeyFromRequest(c.Request())) {
				s.logger.Warn(c.Request().Context(), "authentication failed",
					zap.String("path", c.Request().URL.Path),
					zap.String("remote_ip", c.RealIP()))
				return c.JSON(http.StatusUnauthorized, mcp.NewErrorResponse(nil,
					mcp.NewError(mcp.AuthenticationError, "Authentication required")))
			}
			return next(c)
		}
	}
}

func (s *Server) isProtected(path string) bool {
	for _, prefix := range s.config.ProtectedPrefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))

	s.echo.POST("/mcp", s.handleEnvelope)
	s.echo.GET("/mcp/tools", s.handleListTools)
	s.echo.POST("/mcp/tools/call", s.handleToolsCall)

	api := s.echo.Group("/api")
	api.GET("/tools", s.handleAPIListTools)
	api.GET("/tools/:name", s.handleAPIGetTool)
	api.POST("/tools/:name", s.handleAPICallTool)
}

// Echo exposes the router, mainly for tests and for mounting extra routes.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) Name() string { return transport.HTTP }

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()
	return s.server.Start(ctx)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Stop(ctx)
}

func (s *Server) IsRunning() bool { return s.server.IsRunning() }

// Addr returns the bound address.
func (s *Server) Addr() string { return s.server.Addr() }

func (s *Server) callInfo(c echo.Context) mcp.CallInfo {
	return mcp.CallInfo{
		Transport: transport.HTTP,
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status        string       `json:"status"`
	Version       string       `json:"version"`
	Timestamp     string       `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Tools         int          `json:"tools"`
	Cache         *cache.Stats `json:"cache,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{
		Status:        "healthy",
		Version:       s.dispatcher.ServerInfo().Version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Tools:         s.dispatcher.Registry().Count(),
	}
	if s.cache != nil {
		stats := s.cache.Stats(c.Request().Context())
		resp.Cache = &stats
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEnvelope(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}

	resp := s.dispatcher.HandleMessage(c.Request().Context(), body, s.callInfo(c))
	if resp == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, mcp.ToolsListResult{Tools: s.dispatcher.Registry().Definitions()})
}

// toolsCallRequest is the body of POST /mcp/tools/call.
type toolsCallRequest struct {
	ID        json.RawMessage `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) handleToolsCall(c echo.Context) error {
	var body toolsCallRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&body); err != nil {
		return c.JSON(http.StatusOK, mcp.NewErrorResponse(nil, mcp.NewError(mcp.ParseError, "Parse error")))
	}

	params, err := json.Marshal(mcp.ToolsCallParams{Name: body.Name, Arguments: body.Arguments})
	if err != nil {
		return err
	}
	id := body.ID
	if len(id) == 0 {
		id = json.RawMessage(strconv.Quote(c.Response().Header().Get(echo.HeaderXRequestID)))
	}

	resp := s.dispatcher.Handle(c.Request().Context(), &mcp.Request{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      id,
		Method:  "tools/call",
		Params:  params,
	}, s.callInfo(c))
	return c.JSON(http.StatusOK, resp)
}

// APIToolsResponse is the body of GET /api/tools.
type APIToolsResponse struct {
	Tools []any `json:"tools"`
	Count int   `json:"count"`
}

func (s *Server) handleAPIListTools(c echo.Context) error {
	registry := s.dispatcher.Registry()
	var tools []any

	if q := c.QueryParam("q"); q != "" {
		for _, r := range registry.Search(q) {
			tools = append(tools, r)
		}
	} else {
		for _, def := range registry.Definitions() {
			tools = append(tools, def)
		}
	}
	if tools == nil {
		tools = []any{}
	}
	return c.JSON(http.StatusOK, APIToolsResponse{Tools: tools, Count: len(tools)})
}

// APIError is the error body of the /api routes.
type APIError struct {
	Error *mcp.Error `json:"error"`
}

func (s *Server) handleAPIGetTool(c echo.Context) error {
	name := c.Param("name")
	tool, ok := s.dispatcher.Registry().Get(name)
	if !ok {
		return c.JSON(http.StatusNotFound, APIError{Error: mcp.NewError(mcp.ToolNotFound, "Tool not found: %s", name)})
	}
	return c.JSON(http.StatusOK, tool.Definition())
}

// APICallResponse is the success body of POST /api/tools/:name.
type APICallResponse struct {
	Tool   string `json:"tool"`
	Result any    `json:"result"`
}

func (s *Server) handleAPICallTool(c echo.Context) error {
	name := c.Param("name")
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) > 0 && !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, APIError{Error: mcp.NewError(mcp.ParseError, "Parse error")})
	}

	result, perr := s.dispatcher.CallTool(c.Request().Context(), name, body, s.callInfo(c))
	if perr != nil {
		return c.JSON(statusForCode(perr.Code), APIError{Error: perr})
	}
	return c.JSON(http.StatusOK, APICallResponse{Tool: name, Result: result})
}

func statusForCode(code int) int {
	switch code {
	case mcp.ToolNotFound, mcp.MethodNotFound:
		return http.StatusNotFound
	case mcp.InvalidParams, mcp.InvalidRequest, mcp.ParseError:
		return http.StatusBadRequest
	case mcp.AuthenticationError:
		return http.StatusUnauthorized
	case mcp.RateLimitExceeded:
		return http.StatusTooManyRequests
	case mcp.ServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError maps every unhandled error to a protocol envelope.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	perr := mcp.NewError(mcp.InternalError, "Internal error")

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok && m != "" {
			msg = m
		}
		switch {
		case he.Code == http.StatusNotFound:
			perr = mcp.NewError(mcp.MethodNotFound, "Not found: %s %s", c.Request().Method, c.Request().URL.Path)
		case he.Code == http.StatusMethodNotAllowed:
			perr = mcp.NewError(mcp.MethodNotFound, "Method not allowed: %s %s", c.Request().Method, c.Request().URL.Path)
		case he.Code == http.StatusRequestEntityTooLarge:
			perr = mcp.NewError(mcp.InvalidRequest, "Request body too large")
		case he.Code == http.StatusUnauthorized:
			perr = mcp.NewError(mcp.AuthenticationError, "%s", msg)
		case he.Code == http.StatusTooManyRequests:
			perr = mcp.NewError(mcp.RateLimitExceeded, "%s", msg)
		case he.Code == http.StatusServiceUnavailable:
			perr = mcp.NewError(mcp.ServiceUnavailable, "%s", msg)
		case he.Code < http.StatusInternalServerError:
			perr = mcp.NewError(mcp.InvalidRequest, "%s", msg)
		}
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "http handler failed",
			zap.String("path", c.Request().URL.Path), zap.Error(err))
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, mcp.NewErrorResponse(nil, perr))
}
