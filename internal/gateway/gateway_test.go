package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
	"github.com/fyrsmithlabs/mcpgateway/internal/transport"
)

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func (e *events) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type fakeAdapter struct {
	name     string
	startErr error
	stopErr  error
	events   *events
	running  atomic.Bool
}

func (f *fakeAdapter) Name() string    { return f.name }
func (f *fakeAdapter) IsRunning() bool { return f.running.Load() }

func (f *fakeAdapter) Start(context.Context) error {
	f.events.add("start " + f.name)
	if f.startErr != nil {
		return f.startErr
	}
	f.running.Store(true)
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.events.add("stop " + f.name)
	f.running.Store(false)
	return f.stopErr
}

func TestGateway_StartStopOrder(t *testing.T) {
	ev := &events{}
	a := &fakeAdapter{name: "stdio", events: ev}
	b := &fakeAdapter{name: "http", events: ev}
	g := New(nil, nil, a, b)

	require.NoError(t, g.Start(context.Background()))
	assert.ErrorIs(t, g.Start(context.Background()), ErrAlreadyStarted)
	assert.ErrorIs(t, g.Add(&fakeAdapter{name: "late", events: ev}), ErrAlreadyStarted)
	assert.Equal(t, []AdapterStatus{{"stdio", true}, {"http", true}}, g.Status())

	require.NoError(t, g.Stop(context.Background()))
	assert.Equal(t, []string{"start stdio", "start http", "stop http", "stop stdio"}, ev.all())
	assert.Equal(t, []AdapterStatus{{"stdio", false}, {"http", false}}, g.Status())

	// A second stop is a no-op.
	require.NoError(t, g.Stop(context.Background()))
}

func TestGateway_StartRollsBack(t *testing.T) {
	ev := &events{}
	boom := errors.New("address in use")
	a := &fakeAdapter{name: "http", events: ev}
	b := &fakeAdapter{name: "socket", events: ev, startErr: boom}
	c := &fakeAdapter{name: "sse", events: ev}
	g := New(nil, nil, a, b, c)

	err := g.Start(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "socket")
	assert.Equal(t, []string{"start http", "start socket", "stop http"}, ev.all())
	assert.False(t, a.IsRunning())

	// The gateway can be started again once the problem is fixed.
	b.startErr = nil
	require.NoError(t, g.Start(context.Background()))
	require.NoError(t, g.Stop(context.Background()))
}

func TestGateway_StopJoinsErrors(t *testing.T) {
	ev := &events{}
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	g := New(nil, nil,
		&fakeAdapter{name: "a", events: ev, stopErr: errA},
		&fakeAdapter{name: "b", events: ev, stopErr: errB},
	)
	require.NoError(t, g.Start(context.Background()))

	err := g.Stop(context.Background())
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestGateway_Fatal(t *testing.T) {
	ev := &events{}
	logger := logging.NewTestLogger()
	a := &fakeAdapter{name: "http", events: ev}
	g := New(nil, logger.Logger, a)
	require.NoError(t, g.Start(context.Background()))

	boom := errors.New("listener died")
	g.Fatal(boom)
	g.Fatal(errors.New("ignored"))

	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, g.Err(), boom)
	assert.False(t, a.IsRunning())
	logger.AssertLogged(t, zapcore.ErrorLevel, "fatal error, shutting down")
}

func TestGateway_GuardedPanicIsFatal(t *testing.T) {
	g := New(nil, nil, &fakeAdapter{name: "sse", events: &events{}})
	require.NoError(t, g.Start(context.Background()))

	transport.Go(g.Fatal, "worker", func() { panic("nil map") })

	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, g.Err(), transport.ErrPanic)
}

func TestGateway_ToolRegistration(t *testing.T) {
	registry := mcp.NewToolRegistry()
	g := New(registry, nil)
	assert.Same(t, registry, g.Registry())

	var seen []mcp.RegistryEvent
	unsubscribe := registry.OnChange(func(ev mcp.RegistryEvent) { seen = append(seen, ev) })
	defer unsubscribe()

	tool := mcp.NewTool(&sdk.Tool{Name: "lookup", InputSchema: map[string]any{"type": "object"}},
		func(context.Context, json.RawMessage, mcp.CallInfo) (any, error) { return "ok", nil })
	require.NoError(t, g.RegisterTool(tool))
	assert.ErrorIs(t, g.RegisterTool(tool), mcp.ErrDuplicateTool)

	_, ok := registry.Get("lookup")
	assert.True(t, ok)
	assert.True(t, g.UnregisterTool("lookup"))
	assert.False(t, g.UnregisterTool("lookup"))

	require.Len(t, seen, 2)
	assert.Equal(t, mcp.ToolRegistered, seen[0].Type)
	assert.Equal(t, mcp.ToolUnregistered, seen[1].Type)
}
