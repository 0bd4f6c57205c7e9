package ws

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/manpreetbhatti/codepad/internal/protocol"
	"github.com/manpreetbhatti/codepad/internal/ratelimit"
	"github.com/manpreetbhatti/codepad/internal/room"
)

const (
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = (pongWait * 9) / 10
	maxRateLimitStrike = 1000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// State of a session's connection
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Client is one participant's websocket session. It implements room.Member.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	remote      string
	rateLimiter *ratelimit.Limiter
	state       atomic.Int32

	sendMu    sync.Mutex
	closed    bool
	closeConn sync.Once
}

var _ room.Member = (*Client)(nil)

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("Upgrade error", "error", err)
		return
	}

	remote := remoteHost(r)
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.config.SendBuffer),
		id:          uuid.NewString(),
		remote:      remote,
		rateLimiter: ratelimit.NewLimiter(hub.config.MessagesPerSecond, hub.config.MessageBurst),
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string { return c.id }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Deliver queues a frame without blocking
func (c *Client) Deliver(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Evict drops the connection; readPump then unregisters the session
func (c *Client) Evict() {
	c.hub.log.Warn("Disconnecting slow client", "session", c.id)
	c.closeConn.Do(func() { c.conn.Close() })
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.closeConn.Do(func() { c.conn.Close() })
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("WebSocket error", "session", c.id, "error", err)
			}
			return
		}

		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				c.hub.log.Warn("Rate limit exceeded", "session", c.id, "remote", c.remote, "warning", rateLimitWarnings)
			}
			if rateLimitWarnings > maxRateLimitStrike {
				c.hub.log.Warn("Disconnecting client for excessive rate limit violations", "session", c.id)
				return
			}
			continue
		}

		if err := c.dispatch(message); err != nil {
			if errors.Is(err, room.ErrBackpressure) {
				return
			}
			c.hub.log.Warn("Rejected message", "session", c.id, "error", err)
			c.reply(protocol.EventError, protocol.Error{Message: err.Error()})
		}
	}
}

// dispatch applies one inbound frame. Errors are protocol violations that
// leave room and session state unchanged.
func (c *Client) dispatch(frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}

	registry := c.hub.registry
	switch env.Event {
	case protocol.EventJoinRoom:
		var msg protocol.JoinRoom
		if err := env.Payload(&msg); err != nil {
			return fmt.Errorf("join_room: %w", err)
		}
		if _, err := registry.Join(msg.RoomID, c); err != nil {
			return fmt.Errorf("could not join room %s: %w", msg.RoomID, err)
		}
		return nil

	case protocol.EventLeaveRoom:
		var msg protocol.LeaveRoom
		if err := env.Payload(&msg); err != nil {
			return fmt.Errorf("leave_room: %w", err)
		}
		if err := registry.Leave(msg.RoomID, c); err != nil {
			return fmt.Errorf("could not leave room %s: %w", msg.RoomID, err)
		}
		return nil

	case protocol.EventCodeChange:
		var msg protocol.CodeChange
		if err := env.Payload(&msg); err != nil {
			return fmt.Errorf("code_change: %w", err)
		}
		if _, err := registry.ApplyUpdate(msg.RoomID, c, *msg.Code); err != nil {
			return fmt.Errorf("could not update room %s: %w", msg.RoomID, err)
		}
		return nil
	}

	return fmt.Errorf("%w: %s is not accepted from clients", protocol.ErrUnknownEvent, env.Event)
}

func (c *Client) reply(event protocol.Event, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.hub.log.Error("Failed to encode reply", "session", c.id, "error", err)
		return
	}
	if !c.Deliver(frame) {
		c.hub.log.Warn("Dropped reply to slow client", "session", c.id, "event", event)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn.Do(func() { c.conn.Close() })
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
