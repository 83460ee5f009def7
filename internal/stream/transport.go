package stream

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is the minimal surface a Slot needs from a socket connection. The
// gorilla implementation satisfies it in production; tests inject fakes.
type Conn interface {
	// ReadMessage blocks for the next text frame.
	ReadMessage() ([]byte, error)
	// WriteClose sends a close frame with the given close code.
	WriteClose(code int) error
	Close() error
}

// Dialer opens socket connections. Handshake deadlines come from ctx.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) WriteClose(code int) error {
	return c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

type wsDialer struct{}

// NewWebSocketDialer returns the gorilla-backed production dialer.
func NewWebSocketDialer() Dialer {
	return &wsDialer{}
}

func (d *wsDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

// CloseNormal is the close code sent on deliberate teardown. A slot that
// sees it on its own connection never reconnects.
const CloseNormal = websocket.CloseNormalClosure
