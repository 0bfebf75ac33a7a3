package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/lares/internal/mcp"
)

func testWSServer(t *testing.T) string {
	t.Helper()
	registry := mcp.NewRegistry()
	require.NoError(t, registry.Register(mcp.Tool{
		Name:        "ctx_state",
		Description: "reports whether the call context is still alive",
		Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
			if err := ctx.Err(); err != nil {
				return mcp.TextResult("dead: " + err.Error()), nil
			}
			return mcp.TextResult("alive"), nil
		},
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := mcp.NewEngine(registry, logger, mcp.EngineOptions{ServerName: "lares-test"})
	server := NewHTTPServer(engine, logger, HTTPOptions{WebSocketEnabled: true})

	ts := httptest.NewServer(server.Echo())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/mcp/v1/ws"
}

func wsDial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wsResponse struct {
	ID     any             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *mcp.RPCError   `json:"error"`
}

func wsRoundTrip(t *testing.T, conn *websocket.Conn, request string) wsResponse {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(request)))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var resp wsResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

const wsInitialize = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"ws-test","version":"1"}}}`

// The connection must outlive the upgrade handler: net/http cancels the
// request context the moment the handler returns, so a dispatch context
// derived from it would be dead by the time the first tools/call arrives.
func TestWebSocketCallContextOutlivesUpgrade(t *testing.T) {
	conn := wsDial(t, testWSServer(t))

	init := wsRoundTrip(t, conn, wsInitialize)
	require.Nil(t, init.Error)

	// Give the upgrade handler ample time to return.
	time.Sleep(100 * time.Millisecond)

	resp := wsRoundTrip(t, conn,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"ctx_state","arguments":{}}}`)
	require.Nil(t, resp.Error)
	var result mcp.ToolResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.False(t, result.IsError)
	assert.Equal(t, "alive", result.Content[0].Text)
}

func TestWebSocketRequiresInitialize(t *testing.T) {
	conn := wsDial(t, testWSServer(t))

	resp := wsRoundTrip(t, conn,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ctx_state","arguments":{}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
}

func TestWebSocketRejectsBinaryFrames(t *testing.T) {
	conn := wsDial(t, testWSServer(t))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), "got %v", err)
}

func TestWebSocketShutdownClosesConnection(t *testing.T) {
	conn := wsDial(t, testWSServer(t))

	init := wsRoundTrip(t, conn, wsInitialize)
	require.Nil(t, init.Error)

	resp := wsRoundTrip(t, conn, `{"jsonrpc":"2.0","id":2,"method":"shutdown"}`)
	require.Nil(t, resp.Error)

	// The close frame follows the shutdown response; the client must not
	// have to wait out the read deadline.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var nerr net.Error
	if errors.As(err, &nerr) {
		assert.False(t, nerr.Timeout(), "connection not closed promptly: %v", err)
	}
}
