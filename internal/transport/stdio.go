// Package transport adapts the protocol engine onto its three wire
// carriers: line-delimited stdio, WebSocket, and streamable HTTP. Each
// transport frames complete JSON-RPC messages and defers all protocol
// behavior to mcp.Engine.Handle.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"evalgo.org/lares/internal/mcp"
)

// maxStdioLine bounds a single stdin message. Discovery payloads for large
// hosts stay well under this.
const maxStdioLine = 16 * 1024 * 1024

// Stdio serves the protocol over stdin/stdout, one JSON-RPC message per
// line. Stdout carries protocol bytes only; logging goes to stderr.
type Stdio struct {
	engine *mcp.Engine
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	writeMu sync.Mutex
}

// NewStdio creates a stdio transport reading from in and writing to out.
func NewStdio(engine *mcp.Engine, logger *slog.Logger, in io.Reader, out io.Writer) *Stdio {
	return &Stdio{engine: engine, logger: logger, in: in, out: out}
}

// Run reads messages until EOF or context cancellation. The whole process
// shares one session. Handlers run concurrently; responses are serialized
// on the writer and may arrive out of request order, as JSON-RPC permits.
func (s *Stdio) Run(ctx context.Context) error {
	session := mcp.NewSession()
	defer session.Terminate()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxStdioLine)

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		raw := make([]byte, len(line))
		copy(raw, line)

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			sink := mcp.SinkFunc(func(n mcp.Notification) error {
				encoded, err := json.Marshal(n)
				if err != nil {
					return err
				}
				return s.writeLine(encoded)
			})
			if response := s.engine.Handle(ctx, session, raw, sink); response != nil {
				if err := s.writeLine(response); err != nil {
					s.logger.Error("stdio write failed", "error", err)
				}
			}
		}()
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	s.logger.Info("stdio transport closed")
	return nil
}

func (s *Stdio) writeLine(message []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(message); err != nil {
		return err
	}
	_, err := s.out.Write([]byte{'\n'})
	return err
}
