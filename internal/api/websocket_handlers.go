package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zentech/yunzhi/internal/events"
	"github.com/zentech/yunzhi/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// SessionsWebSocketClient receives the live session list on every change.
type SessionsWebSocketClient struct {
	conn   *websocket.Conn
	send   chan SessionListResponse
	server *Server
}

// handleSessionsWebSocket pushes the session list once on connect and
// again whenever it changes.
func (s *Server) handleSessionsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &SessionsWebSocketClient{
		conn:   conn,
		send:   make(chan SessionListResponse, 16),
		server: s,
	}

	ctx, cancel := context.WithCancel(s.ctx)
	updates := s.sessions.Subscribe(ctx)

	client.push(s.sessions.Sessions())
	go client.writePump(ctx)
	go client.feed(ctx, updates)
	go func() {
		client.readPump()
		cancel()
	}()
}

func (c *SessionsWebSocketClient) push(sessions []storage.SessionSummary) {
	msg := c.server.listResponse(sessions)
	msg.Type = "sessions"
	select {
	case c.send <- msg:
	default:
		// A slow reader skips intermediate lists; the next one is complete.
		slog.Warn("dropping session list update for slow websocket client")
	}
}

func (c *SessionsWebSocketClient) feed(ctx context.Context, updates <-chan events.Event[[]storage.SessionSummary]) {
	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return
			}
			c.push(ev.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// readPump discards client messages and enforces the pong deadline.
func (c *SessionsWebSocketClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}

// writePump handles outgoing WebSocket messages
func (c *SessionsWebSocketClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				slog.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
