package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// If the write does not complete within this window the connection is
	// closed — this prevents a stalled client from blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the client.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size in bytes accepted from the client.
	// Clients only send close/pong frames — a small limit is sufficient.
	maxMessageSize = 512
)

// upgrader performs the HTTP → WebSocket protocol upgrade.
// CheckOrigin always returns true — origin validation is the
// responsibility of the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a single connected WebSocket peer subscribed to one
// session's event stream. Each client runs two goroutines: readPump
// (detects disconnection, handles pong frames) and writePump (serialises
// outgoing messages onto the wire).
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string

	// recv is this client's subscriber channel, obtained from the hub at
	// construction time. It is closed by the hub on unsubscribe or
	// shutdown, which causes writePump to drain and exit cleanly.
	recv   chan Message
	cancel func()

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection to WebSocket and subscribes it to
// sessionID's event stream via hub. Returns an error if the upgrade fails
// (e.g. the request is not a valid WebSocket handshake).
func NewClient(hub *Hub, w http.ResponseWriter, r *http.Request, sessionID string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	recv, cancel := hub.Subscribe(sessionID)
	c := &Client{
		hub:       hub,
		conn:      conn,
		sessionID: sessionID,
		recv:      recv,
		cancel:    cancel,
		logger:    logger.With(zap.String("remote_addr", r.RemoteAddr), zap.String("session_id", sessionID)),
	}
	return c, nil
}

// WriteBacklog writes msgs directly to the wire, one JSON frame per message.
// Callers use it between NewClient and Run to replay persisted events
// before the live pump takes over, so a cursor-resumed client never misses
// the boundary between replay and live tailing (spec.md §4.2).
func (c *Client) WriteBacklog(msgs []Message) error {
	for _, msg := range msgs {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		if err := c.conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the read and write pumps. It blocks until the connection
// closes, so the caller's HTTP handler should invoke it directly (the
// upgrade has already hijacked the connection, so there is nothing left
// for the handler to do after this returns).
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump reads incoming frames from the WebSocket connection. Its
// primary job is to detect client disconnection and reset the read
// deadline after each pong frame. The protocol is server-push only — no
// application messages are expected from the client.
func (c *Client) readPump() {
	defer func() {
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from the subscriber channel to the
// WebSocket wire, and sends periodic ping frames so readPump can detect
// stale connections. It is the only goroutine that writes to conn —
// gorilla/websocket connections are not safe for concurrent writes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.recv:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}

			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
