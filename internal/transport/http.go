package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"evalgo.org/lares/internal/mcp"
)

// sessionHeader is the MCP HTTP profile session header.
const sessionHeader = "Mcp-Session-Id"

// maxHTTPBody bounds a single request body.
const maxHTTPBody = 16 * 1024 * 1024

// HTTPOptions configures the streamable HTTP transport.
type HTTPOptions struct {
	Host string
	Port int

	// Stateless treats every request as its own initialized session and
	// ignores session headers. It is a whole-instance choice made at
	// startup.
	Stateless bool

	WebSocketEnabled bool
	WebSocketPath    string

	// RateLimit is requests per second per instance; zero disables it.
	RateLimit    float64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HTTPServer serves the streamable HTTP transport and, when enabled, the
// WebSocket endpoint on the same listener.
type HTTPServer struct {
	echo     *echo.Echo
	engine   *mcp.Engine
	sessions *mcp.SessionManager
	logger   *slog.Logger
	opts     HTTPOptions
}

// NewHTTPServer wires the echo instance, middleware, and routes.
func NewHTTPServer(engine *mcp.Engine, logger *slog.Logger, opts HTTPOptions) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	server := &HTTPServer{
		echo:     e,
		engine:   engine,
		sessions: mcp.NewSessionManager(),
		logger:   logger,
		opts:     opts,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%d", maxHTTPBody)))
	if opts.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(opts.RateLimit))))
	}

	for _, path := range []string{"/mcp/v1/messages", "/mcp", "/messages"} {
		e.POST(path, server.handleMessage)
	}
	e.GET("/health", server.handleHealth)
	if opts.WebSocketEnabled {
		path := opts.WebSocketPath
		if path == "" {
			path = "/mcp/v1/ws"
		}
		e.GET(path, server.handleWebSocket)
	}

	return server
}

// Echo exposes the underlying echo instance for tests.
func (s *HTTPServer) Echo() *echo.Echo { return s.echo }

// Start serves until the context is cancelled, then shuts down gracefully
// within the given grace period.
func (s *HTTPServer) Start(ctx context.Context, grace time.Duration) error {
	address := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	s.echo.Server.ReadTimeout = s.opts.ReadTimeout
	s.echo.Server.WriteTimeout = s.opts.WriteTimeout

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(address); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info("http transport listening", "address", address, "stateless", s.opts.Stateless)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// handleHealth reports liveness with a minimal JSON body.
func (s *HTTPServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"tools":     s.engine.Registry().Len(),
		"stateless": s.opts.Stateless,
	})
}

// handleMessage processes one JSON-RPC message. The response is plain JSON,
// or an SSE stream when the client accepts text/event-stream and the call
// emits progress before completing.
func (s *HTTPServer) handleMessage(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxHTTPBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, rpcErrorBody(mcp.CodeParseError, "unreadable body"))
	}

	session, created, rpcErr := s.resolveSession(c, body)
	if rpcErr != nil {
		return c.JSON(http.StatusBadRequest, rpcErrorBody(rpcErr.Code, rpcErr.Message))
	}
	if created && !s.opts.Stateless {
		c.Response().Header().Set(sessionHeader, session.ID)
	}

	if wantsSSE(c.Request()) {
		return s.streamResponse(c, session, body)
	}

	response := s.engine.Handle(c.Request().Context(), session, body, nil)
	if response == nil {
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSONBlob(http.StatusOK, response)
}

// resolveSession maps the request onto a protocol session. In stateless
// mode every request gets a synthetic initialized session; otherwise the
// Mcp-Session-Id header identifies it, and only an initialize message may
// arrive without one.
func (s *HTTPServer) resolveSession(c echo.Context, body []byte) (session *mcp.Session, created bool, rpcErr *mcp.RPCError) {
	if s.opts.Stateless {
		return mcp.NewStatelessSession(), false, nil
	}

	if id := c.Request().Header.Get(sessionHeader); id != "" {
		existing, ok := s.sessions.Get(id)
		if !ok {
			return nil, false, mcp.NewRPCError(mcp.CodeInvalidRequest, "unknown session id")
		}
		return existing, false, nil
	}

	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Method == "initialize" {
		return s.sessions.Create(), true, nil
	}
	return nil, false, mcp.NewRPCError(mcp.CodeInvalidRequest, "missing "+sessionHeader+" header")
}

// streamResponse runs the message with progress forwarded as SSE events,
// ending with the final JSON-RPC response.
func (s *HTTPServer) streamResponse(c echo.Context, session *mcp.Session, body []byte) error {
	response := c.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set("Cache-Control", "no-cache")
	response.Header().Set("Connection", "keep-alive")
	response.WriteHeader(http.StatusOK)

	writeEvent := func(payload []byte) error {
		if _, err := fmt.Fprintf(response, "data: %s\n\n", payload); err != nil {
			return err
		}
		response.Flush()
		return nil
	}

	sink := mcp.SinkFunc(func(n mcp.Notification) error {
		encoded, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return writeEvent(encoded)
	})

	if out := s.engine.Handle(c.Request().Context(), session, body, sink); out != nil {
		return writeEvent(out)
	}
	return nil
}

func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func rpcErrorBody(code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error":   map[string]any{"code": code, "message": message},
	}
}
