package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is one transport session. A reconnection is a new Conn.
type Conn interface {
	Send(frame []byte) error
	// Receive blocks until a frame arrives or the connection fails
	Receive() ([]byte, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the server's /ws endpoint with gorilla/websocket
type WebsocketDialer struct {
	Dialer          *websocket.Dialer
	MaxMessageBytes int64
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if d.MaxMessageBytes > 0 {
		conn.SetReadLimit(d.MaxMessageBytes)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		kind, frame, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return frame, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
