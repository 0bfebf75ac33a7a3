package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2025-03-26"

// Sink receives server-initiated notifications for one in-flight request.
// Transports that cannot stream pass a nil sink and progress is dropped.
type Sink interface {
	Notify(n Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(n Notification) error

// Notify implements Sink.
func (f SinkFunc) Notify(n Notification) error { return f(n) }

// EngineOptions configures the protocol engine.
type EngineOptions struct {
	ServerName    string
	ServerVersion string
	// ToolTimeout bounds a single tools/call; zero means no bound beyond
	// the caller's context.
	ToolTimeout time.Duration
	// OnShutdown runs after a shutdown request is acknowledged.
	OnShutdown func()
}

// Engine dispatches JSON-RPC messages against the tool registry. One engine
// serves every transport; transports only frame bytes.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	opts     EngineOptions
}

// NewEngine creates an engine over the given registry.
func NewEngine(registry *Registry, logger *slog.Logger, opts EngineOptions) *Engine {
	if opts.ServerName == "" {
		opts.ServerName = "lares"
	}
	return &Engine{registry: registry, logger: logger, opts: opts}
}

// Registry exposes the tool catalog, mainly for transports that report it
// in health output.
func (e *Engine) Registry() *Registry { return e.registry }

// Handle processes one complete JSON-RPC message and returns the response
// bytes, or nil when the message is a notification. Panics in handlers are
// contained and reported as internal errors.
func (e *Engine) Handle(ctx context.Context, session *Session, raw []byte, sink Sink) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, NewRPCError(CodeParseError, "invalid JSON: "+err.Error()))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, NewRPCError(CodeInvalidRequest, "not a JSON-RPC 2.0 request"))
	}

	e.logger.Debug("rpc request",
		"method", req.Method,
		"session", session.ID,
		"notification", req.IsNotification())

	switch req.Method {
	case "initialize":
		return e.handleInitialize(session, &req)
	case "initialized", "notifications/initialized":
		// Acknowledgment notification; nothing to send back.
		return nil
	case "tools/list":
		return e.handleToolsList(session, &req)
	case "tools/call":
		return e.handleToolsCall(ctx, session, &req, sink)
	case "ping":
		return successResponse(req.ID, map[string]any{})
	case "shutdown":
		return e.handleShutdown(session, &req)
	default:
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, NewRPCError(CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method)))
	}
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

func (e *Engine) handleInitialize(session *Session, req *Request) []byte {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, NewRPCError(CodeInvalidParams, "malformed initialize params"))
		}
	}

	if err := session.Initialize(params.ClientInfo.Name, params.ClientInfo.Version, params.ProtocolVersion); err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = NewRPCError(CodeInternalError, err.Error())
		}
		return errorResponse(req.ID, rpcErr)
	}

	e.logger.Info("session initialized",
		"session", session.ID,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version)

	return successResponse(req.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{"listChanged": false},
		},
		"serverInfo": map[string]any{
			"name":    e.opts.ServerName,
			"version": e.opts.ServerVersion,
		},
	})
}

func (e *Engine) handleToolsList(session *Session, req *Request) []byte {
	if !session.Ready() {
		return errorResponse(req.ID, NewRPCError(CodeInvalidRequest, "session not initialized"))
	}
	return successResponse(req.ID, map[string]any{"tools": e.registry.List()})
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (e *Engine) handleToolsCall(ctx context.Context, session *Session, req *Request, sink Sink) []byte {
	if !session.Ready() {
		return errorResponse(req.ID, NewRPCError(CodeInvalidRequest, "session not initialized"))
	}

	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, NewRPCError(CodeInvalidParams, "tools/call requires a tool name"))
	}

	callCtx := ctx
	if e.opts.ToolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.ToolTimeout)
		defer cancel()
	}

	requestID := string(normalizeID(req.ID))
	call := &ToolCall{
		Name:      params.Name,
		Arguments: params.Arguments,
		Progress:  e.progressFunc(requestID, sink),
	}

	started := time.Now()
	result, rpcErr := e.dispatch(callCtx, call)
	elapsed := time.Since(started)

	if rpcErr != nil {
		e.logger.Warn("tool call rejected",
			"tool", params.Name, "session", session.ID, "code", rpcErr.Code, "error", rpcErr.Message)
		return errorResponse(req.ID, rpcErr)
	}

	if result.IsError {
		e.logger.Warn("tool call failed",
			"tool", params.Name, "session", session.ID, "kind", result.Kind, "duration", elapsed)
	} else {
		e.logger.Info("tool call completed",
			"tool", params.Name, "session", session.ID, "duration", elapsed)
	}
	return successResponse(req.ID, result)
}

// dispatch wraps Registry.Dispatch with panic containment so a buggy
// handler cannot take the transport down.
func (e *Engine) dispatch(ctx context.Context, call *ToolCall) (result *ToolResult, rpcErr *RPCError) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool handler panicked", "tool", call.Name, "panic", r)
			result = nil
			rpcErr = NewRPCError(CodeInternalError, fmt.Sprintf("tool %s failed internally", call.Name))
		}
	}()
	return e.registry.Dispatch(ctx, call)
}

func (e *Engine) progressFunc(requestID string, sink Sink) ProgressFunc {
	if sink == nil {
		return func(float64, string) {}
	}
	return func(fraction float64, message string) {
		params := map[string]any{"request_id": json.RawMessage(requestID)}
		if fraction > 0 {
			params["fraction"] = fraction
		}
		if message != "" {
			params["message"] = message
		}
		if err := sink.Notify(Notification{JSONRPC: "2.0", Method: "progress", Params: params}); err != nil {
			e.logger.Debug("progress notification dropped", "error", err)
		}
	}
}

func (e *Engine) handleShutdown(session *Session, req *Request) []byte {
	e.logger.Info("shutdown requested", "session", session.ID)
	session.Terminate()
	resp := successResponse(req.ID, map[string]any{"ok": true})
	if e.opts.OnShutdown != nil {
		go e.opts.OnShutdown()
	}
	return resp
}
