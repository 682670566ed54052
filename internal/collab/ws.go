package collab

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSOptions configure a WebSocket connection served by the hub.
type WSOptions struct {
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// WSConn adapts a gorilla WebSocket connection to Conn.
type WSConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

// NewWSConn wraps ws. Every write is bounded by writeTimeout when positive.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{ws: ws, writeTimeout: writeTimeout}
}

// Send writes one text frame.
func (c *WSConn) Send(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the socket.
func (c *WSConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// ServeWebSocket registers ws for an authenticated user and pumps inbound
// frames into the hub until the socket closes. The connection is always
// cleaned up through Disconnect.
func (h *Hub) ServeWebSocket(ctx context.Context, ws *websocket.Conn, userID, name string, opts WSOptions) {
	conn := NewWSConn(ws, opts.WriteTimeout)
	if opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(opts.MaxMessageBytes)
	}

	clientID, err := h.Register(conn, userID, name)
	if err != nil {
		h.logger.Warn("collaboration connection rejected", zap.String("user_id", userID), zap.Error(err))
		_ = conn.Close()
		return
	}
	defer h.Disconnect(context.WithoutCancel(ctx), clientID)

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("collaboration socket closed unexpectedly", zap.String("client_id", clientID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.HandleMessage(ctx, clientID, data)
	}
}
