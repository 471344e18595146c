package transport

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Lifecycle(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "hello")
	})
	s := NewServer(ServerConfig{Name: "test", Addr: "127.0.0.1:0"}, handler, nil, nil)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(ctx), "double start")

	resp, err := http.Get("http://" + s.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hello", string(body))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop(stopCtx), "stop is idempotent")
}

func TestServer_BindConflict(t *testing.T) {
	first := NewServer(ServerConfig{Name: "first", Addr: "127.0.0.1:0"}, http.NotFoundHandler(), nil, nil)
	require.NoError(t, first.Start(context.Background()))
	t.Cleanup(func() { _ = first.Stop(context.Background()) })

	second := NewServer(ServerConfig{Name: "second", Addr: first.Addr()}, http.NotFoundHandler(), nil, nil)
	err := second.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second listen")
	assert.False(t, second.IsRunning())
}
