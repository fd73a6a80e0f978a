package broker

import (
	"sync"

	"github.com/gofiber/contrib/websocket"

	"github.com/pelusa-v/forumchat/internal/logger"
	"github.com/pelusa-v/forumchat/internal/protocol"
)

// Client is one websocket connection of a user. A user may hold several.
type Client struct {
	ID     string // connection id
	UserID string
	Name   string
	Conn   ConnLike
	Send   chan []byte

	mu     sync.Mutex
	closed bool
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// ReadPump forwards frames to the hub until the socket fails. It returns
// after asking the hub to unregister the client.
func (c *Client) ReadPump(m *Manager) {
	defer m.unregister(c)
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			logger.Debug("broker_read_closed", "user", c.UserID, "conn", c.ID, "error", err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.push(protocol.EncodeError(0, "malformed frame"))
			continue
		}
		if !m.dispatch(inbound{from: c, env: env}) {
			return
		}
	}
}

// WritePump drains Send until the hub closes it.
func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Debug("broker_write_failed", "user", c.UserID, "conn", c.ID, "error", err)
			_ = c.Conn.Close()
			// keep draining so the hub never blocks on us
		}
	}
}

// push enqueues without blocking; a full queue drops the frame.
func (c *Client) push(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
