package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/lares/internal/mcp"
)

// syncBuffer makes bytes.Buffer safe for the transport's concurrent writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func testStdio(t *testing.T, input string) []string {
	t.Helper()
	registry := mcp.NewRegistry()
	require.NoError(t, registry.Register(mcp.Tool{
		Name:        "echo",
		Description: "echoes",
		Handler: func(ctx context.Context, call *mcp.ToolCall) (*mcp.ToolResult, error) {
			msg, _ := call.Arguments["message"].(string)
			return mcp.TextResult(msg), nil
		},
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := mcp.NewEngine(registry, logger, mcp.EngineOptions{ServerName: "lares-test"})

	out := &syncBuffer{}
	stdio := NewStdio(engine, logger, strings.NewReader(input), out)
	require.NoError(t, stdio.Run(context.Background()))
	return out.Lines()
}

func TestStdioProcessesLineDelimitedMessages(t *testing.T) {
	lines := testStdio(t, strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"t"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"over stdio"}}}`,
	}, "\n") + "\n")

	require.Len(t, lines, 2)

	results := map[int64]json.RawMessage{}
	for _, line := range lines {
		var resp struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *mcp.RPCError   `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		require.Nil(t, resp.Error, line)
		results[resp.ID] = resp.Result
	}

	var toolResult mcp.ToolResult
	require.NoError(t, json.Unmarshal(results[2], &toolResult))
	assert.Equal(t, "over stdio", toolResult.Content[0].Text)
}

func TestStdioParseErrorDoesNotTerminate(t *testing.T) {
	lines := testStdio(t, "this is not json\n"+
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")

	require.Len(t, lines, 2, "bad line answered with a parse error, then keep reading")

	sawParseError, sawPong := false, false
	for _, line := range lines {
		var resp struct {
			Error *mcp.RPCError `json:"error"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		if resp.Error != nil && resp.Error.Code == mcp.CodeParseError {
			sawParseError = true
		}
		if resp.Error == nil {
			sawPong = true
		}
	}
	assert.True(t, sawParseError)
	assert.True(t, sawPong)
}

func TestStdioSkipsBlankLinesAndStopsAtEOF(t *testing.T) {
	lines := testStdio(t, "\n\n"+`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n\n")
	assert.Len(t, lines, 1)
}

func TestStdioNotificationsProduceNoOutput(t *testing.T) {
	lines := testStdio(t, `{"jsonrpc":"2.0","method":"initialized"}`+"\n")
	assert.Empty(t, lines)
}
