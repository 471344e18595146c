package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
)

// Response headers written on every limited request.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// MiddlewareConfig configures the echo binding.
type MiddlewareConfig struct {
	Limiter *Limiter

	// Skipper defaults to DefaultSkipper.
	Skipper middleware.Skipper

	// IdentifierExtractor defaults to the client address.
	IdentifierExtractor func(c echo.Context) string

	Logger *logging.Logger
}

// DefaultSkipper exempts the health endpoint.
func DefaultSkipper(c echo.Context) bool {
	return c.Request().URL.Path == "/health"
}

// HeaderIdentifier keys requests by the named header, falling back to the
// client address when it is absent.
func HeaderIdentifier(header string) func(c echo.Context) string {
	return func(c echo.Context) string {
		if v := c.Request().Header.Get(header); v != "" {
			return v
		}
		return c.RealIP()
	}
}

// Middleware applies the limiter to each request. Blocked requests get 429
// with a RateLimitExceeded envelope.
func Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	if cfg.Skipper == nil {
		cfg.Skipper = DefaultSkipper
	}
	if cfg.IdentifierExtractor == nil {
		cfg.IdentifierExtractor = func(c echo.Context) string { return c.RealIP() }
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Limiter == nil || cfg.Skipper(c) {
				return next(c)
			}

			ctx := c.Request().Context()
			id := cfg.IdentifierExtractor(c)
			result := cfg.Limiter.Check(ctx, id)

			h := c.Response().Header()
			h.Set(HeaderLimit, strconv.Itoa(cfg.Limiter.Limit()))
			h.Set(HeaderRemaining, strconv.Itoa(result.Remaining))
			h.Set(HeaderReset, strconv.FormatInt(result.ResetTime.Unix(), 10))

			if !result.Blocked {
				return next(c)
			}

			retryAfter := int(math.Ceil(result.ResetTime.Sub(cfg.Limiter.now()).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			h.Set("Retry-After", strconv.Itoa(retryAfter))

			cfg.Logger.Info(ctx, "rate limit exceeded",
				zap.String("identifier", id),
				zap.String("path", c.Request().URL.Path))

			return c.JSON(http.StatusTooManyRequests, mcp.NewErrorResponse(nil, BlockedError(result)))
		}
	}
}

// BlockedError builds the protocol error for a blocked result.
func BlockedError(result Result) *mcp.Error {
	return mcp.NewError(mcp.RateLimitExceeded, "Rate limit exceeded").
		WithData("limit", result.Total).
		WithData("reset_time", result.ResetTime.UTC().Format(time.RFC3339))
}
