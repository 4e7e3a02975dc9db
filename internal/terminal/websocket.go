package terminal

import (
	"context"

	"github.com/coder/websocket"
)

// maxFrameBytes bounds a single inbound client frame.
const maxFrameBytes = 1 << 20

// wsChannel carries terminal bytes over a websocket. Output goes out as
// binary frames since a chunk of terminal output need not be valid UTF-8;
// inbound text and binary frames are both accepted.
type wsChannel struct {
	conn *websocket.Conn
}

// NewWebSocketChannel wraps an accepted websocket connection.
func NewWebSocketChannel(conn *websocket.Conn) Channel {
	conn.SetReadLimit(maxFrameBytes)
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Read(ctx context.Context) ([]byte, error) {
	_, p, err := c.conn.Read(ctx)
	return p, err
}

func (c *wsChannel) Write(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, p)
}

func (c *wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
