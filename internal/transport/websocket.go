package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"evalgo.org/lares/internal/mcp"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are local automation agents, not browsers.
		return true
	},
}

// wsClient is one WebSocket connection carrying one protocol session.
type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	session *mcp.Session
	engine  *mcp.Engine
	logger  *slog.Logger
	cancel  context.CancelFunc

	sendOnce  sync.Once
	closeOnce sync.Once
}

// handleWebSocket upgrades the request and pumps messages until the client
// goes away.
func (s *HTTPServer) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	// The request context is cancelled as soon as this handler returns, so
	// the connection carries its own lifetime context.
	ctx, cancel := context.WithCancel(context.Background())

	client := &wsClient{
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		session: mcp.NewSession(),
		engine:  s.engine,
		logger:  s.logger,
		cancel:  cancel,
	}
	s.logger.Info("websocket connected", "session", client.session.ID, "remote", c.RealIP())

	go client.writePump()
	go client.readPump(ctx)

	return nil
}

// readPump consumes client frames. Only text frames carrying one complete
// JSON-RPC message are accepted; binary frames close the connection.
func (c *wsClient) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		frameType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read error", "session", c.session.ID, "error", err)
			}
			return
		}
		if frameType != websocket.TextMessage {
			c.logger.Warn("websocket binary frame rejected", "session", c.session.ID)
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "text frames only"),
				time.Now().Add(wsWriteWait))
			return
		}

		go c.dispatch(ctx, raw)
	}
}

func (c *wsClient) dispatch(ctx context.Context, raw []byte) {
	sink := mcp.SinkFunc(func(n mcp.Notification) error {
		encoded, err := json.Marshal(n)
		if err != nil {
			return err
		}
		c.enqueue(encoded)
		return nil
	})
	if response := c.engine.Handle(ctx, c.session, raw, sink); response != nil {
		c.enqueue(response)
	}
	// A shutdown request terminates the session; drain the queued response
	// and close the connection instead of waiting for the read deadline.
	if c.session.State() == mcp.StateTerminated {
		c.closeSend()
	}
}

func (c *wsClient) enqueue(message []byte) {
	defer func() {
		// The send channel closes when the connection dies; a late handler
		// result is then dropped.
		recover()
	}()
	select {
	case c.send <- message:
	default:
		c.logger.Warn("websocket send buffer full, dropping message", "session", c.session.ID)
	}
}

// writePump serializes outbound frames and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeSend stops the write pump once it has drained the queued frames; the
// pump then sends the close frame and tears the connection down.
func (c *wsClient) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.session.Terminate()
		if c.cancel != nil {
			c.cancel()
		}
		c.closeSend()
		c.conn.Close()
		c.logger.Info("websocket disconnected", "session", c.session.ID)
	})
}
