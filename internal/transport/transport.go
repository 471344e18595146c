// Package transport holds plumbing shared by the protocol adapters:
// connection records, connection pools, shared-secret extraction and the
// panic guard that turns goroutine crashes into a gateway-wide stop.
package transport

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Transport names used in logs, metrics and CallInfo.
const (
	Stdio  = "stdio"
	HTTP   = "http"
	Socket = "socket"
	SSE    = "sse"
)

// NewID returns a random connection id.
func NewID() string {
	return uuid.NewString()
}

// APIKeyFromRequest returns the shared secret presented on r, checking the
// Authorization bearer token, the X-API-Key header and the api_key query
// parameter in that order.
func APIKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		const prefix = "bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
