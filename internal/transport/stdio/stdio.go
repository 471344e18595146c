// Package stdio serves the request protocol as newline-delimited JSON over a
// reader/writer pair, normally the process's stdin and stdout.
package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
	"github.com/fyrsmithlabs/mcpgateway/internal/mcp"
	"github.com/fyrsmithlabs/mcpgateway/internal/transport"
)

// ConnectionID is the id of the single implicit connection.
const ConnectionID = "stdio"

const (
	defaultMaxLineBytes = 4 << 20
	readChunkBytes      = 64 << 10
)

var (
	// ErrAlreadyRunning is returned by Start on a running adapter.
	ErrAlreadyRunning = errors.New("stdio adapter already running")

	// ErrReaderBusy is returned by Start while the reader abandoned by an
	// earlier Stop is still blocked on input.
	ErrReaderBusy = errors.New("stdio reader from a previous run is still blocked on input")
)

// Adapter reads one request per line and writes one response per line.
type Adapter struct {
	in         io.Reader
	out        io.Writer
	dispatcher *mcp.Dispatcher
	logger     *logging.Logger
	maxLine    int
	onClose    func(error)
	onFatal    transport.FatalFunc
	conn       *transport.Connection

	writeMu  sync.Mutex
	running  atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	inFlight sync.WaitGroup

	// mu orders run.stopped against inFlight.Add.
	mu  sync.Mutex
	run *readerRun
}

// readerRun is the stop token of one Start. A reader only ever consults
// the token of the run that started it.
type readerRun struct {
	stopped bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger. It must not write to the adapter's
// output stream.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMaxLineBytes bounds a single request line.
func WithMaxLineBytes(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxLine = n
		}
	}
}

// WithOnClose registers fn to run once when input ends or fails. err is nil
// on a clean EOF. It is not called after Stop.
func WithOnClose(fn func(err error)) Option {
	return func(a *Adapter) { a.onClose = fn }
}

// WithFatalHandler routes panics in adapter goroutines to fn.
func WithFatalHandler(fn transport.FatalFunc) Option {
	return func(a *Adapter) { a.onFatal = fn }
}

// New creates an adapter over in and out.
func New(in io.Reader, out io.Writer, dispatcher *mcp.Dispatcher, opts ...Option) *Adapter {
	a := &Adapter{
		in:         in,
		out:        out,
		dispatcher: dispatcher,
		logger:     logging.NewNop(),
		maxLine:    defaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("stdio")
	return a
}

func (a *Adapter) Name() string { return transport.Stdio }

func (a *Adapter) IsRunning() bool { return a.running.Load() }

// Start begins reading input in the background.
func (a *Adapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if a.done != nil {
		select {
		case <-a.done:
		default:
			a.running.Store(false)
			return ErrReaderBusy
		}
	}
	run := &readerRun{}
	a.mu.Lock()
	a.run = run
	a.mu.Unlock()
	a.conn = transport.NewConnection(ConnectionID, true, time.Now())

	ctx = logging.WithTransport(ctx, transport.Stdio)
	ctx = logging.WithConnectionID(ctx, ConnectionID)
	ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.done = make(chan struct{})

	done := a.done
	transport.Go(a.onFatal, "stdio reader", func() { a.readLoop(ctx, run, done) })
	a.logger.Info(ctx, "stdio transport started")
	return nil
}

// Stop stops accepting input and waits for in-flight requests to finish
// writing, or for ctx to end. A reader blocked on input is abandoned.
func (a *Adapter) Stop(ctx context.Context) error {
	if !a.running.Load() {
		return nil
	}
	a.mu.Lock()
	a.run.stopped = true
	a.mu.Unlock()
	a.cancel()

	waited := make(chan struct{})
	go func() {
		a.inFlight.Wait()
		close(waited)
	}()

	defer a.running.Store(false)
	select {
	case <-waited:
		a.logger.Info(ctx, "stdio transport stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the reader exits.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Connection returns the implicit connection record.
func (a *Adapter) Connection() *transport.Connection { return a.conn }

func (a *Adapter) readLoop(ctx context.Context, run *readerRun, done chan struct{}) {
	defer close(done)

	var (
		pending  []byte
		overflow bool
		chunk    = make([]byte, readChunkBytes)
	)

	for {
		n, err := a.in.Read(chunk)
		if a.isStopped(run) {
			return
		}
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				if overflow {
					overflow = false
				} else {
					a.handleLine(ctx, run, line)
				}
				pending = pending[idx+1:]
			}
			if len(pending) > a.maxLine {
				a.logger.Warn(ctx, "discarding oversized request line", zap.Int("max_bytes", a.maxLine))
				a.writeResponse(ctx, mcp.NewErrorResponse(nil, mcp.NewError(mcp.InvalidRequest, "Invalid Request: line exceeds %d bytes", a.maxLine)))
				pending = nil
				overflow = true
			}
			// Keep the partial line in a fresh slice so the backing array
			// does not grow without bound.
			pending = append([]byte(nil), pending...)
		}

		if err != nil {
			a.inFlight.Wait()
			if errors.Is(err, io.EOF) {
				a.logger.Info(ctx, "stdin closed")
				a.finish(run, nil)
			} else {
				a.logger.Error(ctx, "stdin read failed", zap.Error(err))
				a.finish(run, err)
			}
			return
		}
	}
}

func (a *Adapter) isStopped(run *readerRun) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return run.stopped
}

func (a *Adapter) finish(run *readerRun, err error) {
	if a.isStopped(run) {
		return
	}
	a.running.Store(false)
	if a.onClose != nil {
		a.onClose(err)
	}
}

func (a *Adapter) handleLine(ctx context.Context, run *readerRun, line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	msg := append([]byte(nil), line...)

	a.conn.Touch(time.Now())
	a.conn.IncRequests()

	a.mu.Lock()
	if run.stopped {
		a.mu.Unlock()
		return
	}
	a.inFlight.Add(1)
	a.mu.Unlock()

	transport.Go(a.onFatal, "stdio dispatch", func() {
		defer a.inFlight.Done()
		resp := a.dispatcher.HandleMessage(ctx, msg, mcp.CallInfo{
			Transport:    transport.Stdio,
			ConnectionID: ConnectionID,
			Trusted:      true,
		})
		if resp != nil {
			a.writeResponse(ctx, resp)
		}
	})
}

func (a *Adapter) writeResponse(ctx context.Context, resp *mcp.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error(ctx, "encoding response failed", zap.Error(err))
		return
	}
	data = append(data, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.out.Write(data); err != nil {
		a.logger.Warn(ctx, "writing response failed", zap.Error(err))
	}
}
