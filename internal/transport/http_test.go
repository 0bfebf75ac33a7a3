package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/lares/internal/mcp"
)

func testHTTPServer(t *testing.T, stateless bool) *HTTPServer {
	t.Helper()
	registry := mcp.NewRegistry()
	require.NoError(t, registry.Register(mcp.Tool{
		Name:        "echo",
		Description: "echoes",
		Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
			msg, _ := call.Arguments["message"].(string)
			call.Progress(0.5, "working")
			return mcp.TextResult(msg), nil
		},
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := mcp.NewEngine(registry, logger, mcp.EngineOptions{ServerName: "lares-test"})
	return NewHTTPServer(engine, logger, HTTPOptions{Stateless: stateless})
}

func post(t *testing.T, server *HTTPServer, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	server := testHTTPServer(t, true)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["stateless"])
}

func TestStatelessCallWithoutSessionHeader(t *testing.T) {
	server := testHTTPServer(t, true)
	rec := post(t, server, "/mcp/v1/messages",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Result mcp.ToolResult `json:"result"`
		Error  *mcp.RPCError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, "hi", resp.Result.Content[0].Text)
}

func TestStatefulMissingSessionHeaderIsRejected(t *testing.T) {
	server := testHTTPServer(t, false)
	rec := post(t, server, "/mcp",
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"}}`, nil)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp struct {
		Error *mcp.RPCError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
}

func TestStatefulSessionLifecycleAcrossRequests(t *testing.T) {
	server := testHTTPServer(t, false)

	// initialize without a header mints a session.
	rec := post(t, server, "/messages",
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"t"}}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get(sessionHeader)
	require.NotEmpty(t, sessionID)

	// A later call with that header reuses the initialized session.
	rec = post(t, server, "/messages",
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"again"}}}`,
		map[string]string{sessionHeader: sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Result mcp.ToolResult `json:"result"`
		Error  *mcp.RPCError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	assert.Equal(t, "again", resp.Result.Content[0].Text)

	// An unknown session id is rejected.
	rec = post(t, server, "/messages",
		`{"jsonrpc":"2.0","id":3,"method":"ping"}`,
		map[string]string{sessionHeader: "does-not-exist"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEElectionStreamsProgressThenResult(t *testing.T) {
	server := testHTTPServer(t, true)
	rec := post(t, server, "/mcp/v1/messages",
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{"message":"streamed"}}}`,
		map[string]string{"Accept": "application/json, text/event-stream"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "text/event-stream")

	events := parseSSE(t, rec.Body.Bytes())
	require.GreaterOrEqual(t, len(events), 2)

	var note mcp.Notification
	require.NoError(t, json.Unmarshal(events[0], &note))
	assert.Equal(t, "progress", note.Method)

	var final struct {
		Result mcp.ToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(events[len(events)-1], &final))
	assert.Equal(t, "streamed", final.Result.Content[0].Text)
}

func TestNotificationReturnsAccepted(t *testing.T) {
	server := testHTTPServer(t, true)
	rec := post(t, server, "/mcp", `{"jsonrpc":"2.0","method":"initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEndpointAliases(t *testing.T) {
	server := testHTTPServer(t, true)
	for _, path := range []string{"/mcp/v1/messages", "/mcp", "/messages"} {
		rec := post(t, server, path, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func parseSSE(t *testing.T, raw []byte) [][]byte {
	t.Helper()
	var events [][]byte
	for _, chunk := range bytes.Split(raw, []byte("\n\n")) {
		chunk = bytes.TrimSpace(chunk)
		if data, ok := bytes.CutPrefix(chunk, []byte("data: ")); ok {
			events = append(events, data)
		}
	}
	return events
}
