// Package realtime keeps the single websocket of a chat session: it sends
// messages with a one-shot acknowledgment callback and dispatches inbound
// events in transport order.
package realtime

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/fasthttp/websocket"

	"github.com/pelusa-v/forumchat/internal/logger"
	"github.com/pelusa-v/forumchat/internal/protocol"
)

var (
	ErrNoSession = errors.New("realtime: no authenticated user")
	ErrClosed    = errors.New("realtime: connection closed")
	ErrQueueFull = errors.New("realtime: send queue full")
)

// ConnLike is the part of a websocket connection the pumps need.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// AckFunc receives the broker-amended message of an acknowledged send.
type AckFunc func(protocol.Message)

// RejectFunc receives the reason when the broker refuses a send.
type RejectFunc func(reason string)

type Connection struct {
	UserID string

	conn ConnLike
	send chan []byte

	mu      sync.Mutex
	nextAck uint64
	acks    map[uint64]pendingAck
	onMsg   func(protocol.Message)
	onSeen  func(protocol.Seen)

	startOnce sync.Once
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

type pendingAck struct {
	ack    AckFunc
	reject RejectFunc
}

// NewConnection wraps an established transport. Nothing is read or written
// until Start is called, so handlers can be registered first.
func NewConnection(conn ConnLike, userID string, queue int) *Connection {
	if queue <= 0 {
		queue = 16
	}
	return &Connection{
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, queue),
		acks:   map[uint64]pendingAck{},
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// OnInboundMessage registers the handler for inbound message events.
func (c *Connection) OnInboundMessage(fn func(protocol.Message)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// OnSeen registers the handler for read receipts.
func (c *Connection) OnSeen(fn func(protocol.Seen)) {
	c.mu.Lock()
	c.onSeen = fn
	c.mu.Unlock()
}

// Start launches the read and write pumps.
func (c *Connection) Start() {
	c.startOnce.Do(func() {
		go c.writePump()
		go c.readPump()
	})
}

// Send queues msg and registers onAck, fired at most once when the broker
// acknowledges it. onReject may be nil.
func (c *Connection) Send(msg protocol.Message, onAck AckFunc, onReject RejectFunc) error {
	c.mu.Lock()
	c.nextAck++
	n := c.nextAck
	c.acks[n] = pendingAck{ack: onAck, reject: onReject}
	c.mu.Unlock()

	frame, err := protocol.Encode(protocol.EventMessage, n, msg)
	if err == nil {
		err = c.enqueue(frame)
	}
	if err != nil {
		c.takeAck(n)
		return err
	}
	return nil
}

// MarkSeen tells the broker the session user has read the listed messages.
func (c *Connection) MarkSeen(seen protocol.Seen) error {
	frame, err := protocol.Encode(protocol.EventSeen, 0, seen)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Connection) enqueue(frame []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Close shuts the transport down. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the read pump has stopped, either after Close or
// because the transport dropped. There is no reconnect.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Pending reports how many sends are still waiting for an acknowledgment.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.acks)
}

func (c *Connection) takeAck(n uint64) (pendingAck, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.acks[n]
	if ok {
		delete(c.acks, n)
	}
	return p, ok
}

func (c *Connection) readPump() {
	defer close(c.done)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				logger.Warn("realtime_read_failed", "user", c.UserID, "error", err)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			logger.Debug("realtime_bad_frame", "user", c.UserID, "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env protocol.Envelope) {
	switch env.Event {
	case protocol.EventAck:
		var msg protocol.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			logger.Debug("realtime_bad_ack", "ack", env.Ack, "error", err)
			return
		}
		p, ok := c.takeAck(env.Ack)
		if !ok {
			return
		}
		if p.ack != nil {
			p.ack(msg)
		}

	case protocol.EventError:
		p, ok := c.takeAck(env.Ack)
		if !ok {
			logger.Warn("realtime_broker_error", "user", c.UserID, "error", env.Error)
			return
		}
		if p.reject != nil {
			p.reject(env.Error)
		}

	case protocol.EventMessage:
		var msg protocol.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			logger.Debug("realtime_bad_message", "error", err)
			return
		}
		c.mu.Lock()
		fn := c.onMsg
		c.mu.Unlock()
		if fn != nil {
			fn(msg)
		}

	case protocol.EventSeen:
		var seen protocol.Seen
		if err := json.Unmarshal(env.Data, &seen); err != nil {
			return
		}
		c.mu.Lock()
		fn := c.onSeen
		c.mu.Unlock()
		if fn != nil {
			fn(seen)
		}
	}
}

func (c *Connection) writePump() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Warn("realtime_write_failed", "user", c.UserID, "error", err)
				_ = c.Close()
				return
			}
		}
	}
}
