package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mcpgateway/internal/logging"
)

var errToolPanic = errors.New("tool panicked")

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Name    string
	Version string

	// ToolTimeout bounds each tool execution. Zero means no bound.
	ToolTimeout time.Duration

	// ExposeErrorDetails includes underlying tool errors for callers on
	// untrusted transports.
	ExposeErrorDetails bool

	Logger  *logging.Logger
	Metrics *Metrics
	Tracer  trace.Tracer
}

// Dispatcher routes decoded requests to protocol methods and tools.
type Dispatcher struct {
	registry      *ToolRegistry
	info          sdk.Implementation
	toolTimeout   time.Duration
	exposeDetails bool
	logger        *logging.Logger
	metrics       *Metrics
	tracer        trace.Tracer
	now           func() time.Time
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *ToolRegistry, cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(instrumentationName)
	}
	return &Dispatcher{
		registry:      registry,
		info:          sdk.Implementation{Name: cfg.Name, Version: cfg.Version},
		toolTimeout:   cfg.ToolTimeout,
		exposeDetails: cfg.ExposeErrorDetails,
		logger:        cfg.Logger.Named("dispatch"),
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		now:           time.Now,
	}
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *ToolRegistry { return d.registry }

// ServerInfo returns the name and version reported by initialize.
func (d *Dispatcher) ServerInfo() sdk.Implementation { return d.info }

// HandleMessage decodes and handles one raw envelope. It returns nil when no
// response should be sent.
func (d *Dispatcher) HandleMessage(ctx context.Context, data []byte, call CallInfo) *Response {
	req, errResp := Decode(data)
	if errResp != nil {
		d.metrics.RecordRequest(ctx, "", call.Transport, errResp.Error.Code)
		return errResp
	}
	return d.Handle(ctx, req, call)
}

// Handle runs req and returns the response, or nil for notifications.
func (d *Dispatcher) Handle(ctx context.Context, req *Request, call CallInfo) *Response {
	ctx, span := d.tracer.Start(ctx, "mcp "+req.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
			attribute.String("mcp.transport", call.Transport),
		),
	)
	defer span.End()

	resp := d.route(ctx, req, call)

	code := 0
	if resp != nil && resp.Error != nil {
		code = resp.Error.Code
		span.SetStatus(otelcodes.Error, resp.Error.Message)
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", code))
	}
	d.metrics.RecordRequest(ctx, req.Method, call.Transport, code)

	if req.IsNotification() {
		return nil
	}
	return resp
}

func (d *Dispatcher) route(ctx context.Context, req *Request, call CallInfo) *Response {
	switch {
	case req.Method == "initialize":
		return NewResult(req.ID, &sdk.InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: &sdk.ServerCapabilities{
				Tools: &sdk.ToolCapabilities{ListChanged: true},
			},
			ServerInfo: &sdk.Implementation{Name: d.info.Name, Version: d.info.Version},
		})

	case req.Method == "tools/list":
		return NewResult(req.ID, ToolsListResult{Tools: d.registry.Definitions()})

	case req.Method == "tools/call":
		return d.handleToolsCall(ctx, req, call)

	case req.Method == "ping":
		return NewResult(req.ID, map[string]any{
			"pong":      true,
			"timestamp": d.now().UTC().Format(time.RFC3339Nano),
		})

	case strings.HasPrefix(req.Method, notificationPrefix):
		d.logger.Debug(ctx, "notification received", zap.String("method", req.Method))
		return NewResult(req.ID, struct{}{})

	default:
		return NewErrorResponse(req.ID, NewError(MethodNotFound, "Method not found: %s", req.Method))
	}
}

// ToolsListResult is the tools/list payload.
type ToolsListResult struct {
	Tools []*sdk.Tool `json:"tools"`
}

// ToolsCallParams is the tools/call payload.
type ToolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// TextContent is one text block of a tool result.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the tools/call success payload. The tool's return value
// is JSON encoded into a single text block.
type CallToolResult struct {
	Content []TextContent `json:"content"`
	IsError bool          `json:"isError"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *Request, call CallInfo) *Response {
	var params ToolsCallParams
	if len(req.Params) == 0 {
		return NewErrorResponse(req.ID, InvalidParamsError("Invalid params: name is required"))
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, InvalidParamsError("Invalid params: %v", err))
	}
	if params.Name == "" {
		return NewErrorResponse(req.ID, InvalidParamsError("Invalid params: name is required"))
	}

	result, perr := d.CallTool(ctx, params.Name, params.Arguments, call)
	if perr != nil {
		return NewErrorResponse(req.ID, perr)
	}

	text, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(req.ID, InternalErrorf("encoding tool result: %v", err))
	}
	return NewResult(req.ID, CallToolResult{
		Content: []TextContent{{Type: "text", Text: string(text)}},
		IsError: false,
	})
}

// CallTool executes the named tool and returns its raw result. The
// execution is detached from ctx cancellation and bounded by the tool
// timeout.
func (d *Dispatcher) CallTool(ctx context.Context, name string, args json.RawMessage, call CallInfo) (any, *Error) {
	tool, ok := d.registry.Get(name)
	if !ok {
		return nil, NewError(ToolNotFound, "Tool not found: %s", name).WithData("tool", name)
	}
	if trimmed := bytes.TrimSpace(args); len(trimmed) == 0 || bytes.Equal(trimmed, nullID) {
		args = json.RawMessage("{}")
	}

	ctx, span := d.tracer.Start(ctx, "tool "+name, trace.WithAttributes(
		attribute.String("mcp.tool", name),
		attribute.String("mcp.transport", call.Transport),
	))
	defer span.End()

	d.metrics.IncrementActive(ctx, name)
	defer d.metrics.DecrementActive(ctx, name)

	start := d.now()
	result, err := d.execute(ctx, tool, args, call)
	d.metrics.RecordInvocation(ctx, name, call.Transport, d.now().Sub(start), err)
	if err == nil {
		return result, nil
	}

	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	d.logger.Warn(ctx, "tool call failed",
		zap.String("tool", name),
		zap.String("transport", call.Transport),
		zap.Error(err))

	return nil, d.toolError(ctx, name, err, call)
}

func (d *Dispatcher) execute(ctx context.Context, tool Tool, args json.RawMessage, call CallInfo) (result any, err error) {
	ctx = context.WithoutCancel(ctx)
	if d.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.toolTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: %v", errToolPanic, r)
		}
	}()
	return tool.Execute(ctx, args, call)
}

func (d *Dispatcher) toolError(ctx context.Context, name string, err error, call CallInfo) *Error {
	data := map[string]any{
		"tool":       name,
		"error_type": fmt.Sprintf("%T", err),
		"timestamp":  d.now().UTC().Format(time.RFC3339),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		data["trace_id"] = sc.TraceID().String()
	}

	var pe *Error
	if errors.As(err, &pe) {
		out := &Error{Code: pe.Code, Message: pe.Message, Data: data}
		for k, v := range pe.Data {
			out.Data[k] = v
		}
		return out
	}

	out := &Error{Code: ToolExecutionError, Message: "Tool execution failed", Data: data}
	if call.Trusted || d.exposeDetails {
		out.Message += ": " + err.Error()
		out.Data["details"] = err.Error()
	}
	return out
}
