// Package broker routes chat events between the websocket connections of
// signed-in users, acknowledges senders and keeps per-user inbox previews.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pelusa-v/forumchat/internal/logger"
	"github.com/pelusa-v/forumchat/internal/protocol"
)

var (
	ErrStopped       = errors.New("broker: stopped")
	ErrForeignSender = errors.New("sender does not match connection")
	ErrNoRecipient   = errors.New("missing recipient")
	ErrEmptyContent  = errors.New("empty content")
)

// Store is the persistence the hub writes through.
type Store interface {
	SaveMessage(ctx context.Context, m protocol.Message) (bool, error)
	MarkSeen(ctx context.Context, readerID, senderID string, ids []string) (int64, error)
	GetUser(ctx context.Context, id string) (protocol.Profile, error)
}

type Options struct {
	Store      Store
	RateLimit  float64 // events per second per user
	RateBurst  int
	SendBuffer int
	Metrics    *Metrics
}

type Manager struct {
	mu sync.RWMutex

	clients map[string]map[*Client]struct{} // user id -> live connections
	inbox   InboxStore

	registerChan   chan *Client
	unregisterChan chan *Client
	inboundChan    chan inbound
	stopped        chan struct{}

	store      Store
	limits     *limiterPool
	metrics    *Metrics
	sendBuffer int
	now        func() time.Time
}

func NewManager(opts Options) *Manager {
	buf := opts.SendBuffer
	if buf <= 0 {
		buf = 16
	}
	return &Manager{
		clients:        map[string]map[*Client]struct{}{},
		inbox:          InboxStore{},
		registerChan:   make(chan *Client),
		unregisterChan: make(chan *Client),
		inboundChan:    make(chan inbound, 64),
		stopped:        make(chan struct{}),
		store:          opts.Store,
		limits:         newLimiterPool(opts.RateLimit, opts.RateBurst),
		metrics:        opts.Metrics,
		sendBuffer:     buf,
		now:            time.Now,
	}
}

// Start runs the hub loop until ctx ends, then closes every connection.
func (m *Manager) Start(ctx context.Context) {
	defer close(m.stopped)
	for {
		select {
		case client := <-m.registerChan:
			m.mu.Lock()
			set, ok := m.clients[client.UserID]
			if !ok {
				set = map[*Client]struct{}{}
				m.clients[client.UserID] = set
			}
			set[client] = struct{}{}
			m.mu.Unlock()
			m.metrics.connOpened()
			logger.Info("broker_client_joined", "user", client.UserID, "conn", client.ID)

		case client := <-m.unregisterChan:
			m.remove(client)

		case in := <-m.inboundChan:
			m.handle(ctx, in)

		case <-ctx.Done():
			m.mu.Lock()
			all := m.clients
			m.clients = map[string]map[*Client]struct{}{}
			m.mu.Unlock()
			for _, set := range all {
				for c := range set {
					c.close()
					_ = c.Conn.Close()
				}
			}
			logger.Info("broker_stopped")
			return
		}
	}
}

func (m *Manager) remove(client *Client) {
	m.mu.Lock()
	set := m.clients[client.UserID]
	_, known := set[client]
	delete(set, client)
	last := len(set) == 0
	if last {
		delete(m.clients, client.UserID)
	}
	m.mu.Unlock()
	if !known {
		return
	}
	client.close()
	if last {
		m.limits.forget(client.UserID)
	}
	m.metrics.connClosed()
	logger.Info("broker_client_left", "user", client.UserID, "conn", client.ID)
}

// NewClient builds a client for conn; it is not registered yet.
func (m *Manager) NewClient(conn ConnLike, userID, name string) *Client {
	if name == "" {
		name = userID
	}
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		Conn:   conn,
		Send:   make(chan []byte, m.sendBuffer),
	}
}

func (m *Manager) Register(c *Client) error {
	select {
	case m.registerChan <- c:
		return nil
	case <-m.stopped:
		return ErrStopped
	}
}

func (m *Manager) unregister(c *Client) {
	select {
	case m.unregisterChan <- c:
	case <-m.stopped:
	}
}

func (m *Manager) dispatch(in inbound) bool {
	select {
	case m.inboundChan <- in:
		return true
	case <-m.stopped:
		return false
	}
}

// Serve registers conn for userID and pumps it until the socket closes.
func (m *Manager) Serve(ctx context.Context, conn ConnLike, userID string) error {
	c := m.NewClient(conn, userID, m.displayName(ctx, userID))
	if err := m.Register(c); err != nil {
		return err
	}
	go c.WritePump()
	c.ReadPump(m)
	return nil
}

func (m *Manager) handle(ctx context.Context, in inbound) {
	switch in.env.Event {
	case protocol.EventMessage:
		m.handleMessage(ctx, in.from, in.env)
	case protocol.EventSeen:
		m.handleSeen(ctx, in.from, in.env)
	default:
		in.from.push(protocol.EncodeError(in.env.Ack, "unknown event "+in.env.Event))
	}
}

func (m *Manager) handleMessage(ctx context.Context, c *Client, env protocol.Envelope) {
	var msg protocol.Message
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		m.reject(c, env.Ack, "malformed message", "rejected")
		return
	}
	if err := validate(c, &msg); err != nil {
		m.reject(c, env.Ack, err.Error(), "rejected")
		return
	}
	if !m.limits.Allow(c.UserID) {
		m.reject(c, env.Ack, "rate limited", "rate_limited")
		return
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now().UTC()
	}
	msg.State = protocol.StateDelivered

	if m.store != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := m.store.SaveMessage(sctx, msg)
		cancel()
		if err != nil {
			logger.Error("broker_store_failed", "message", msg.ID, "error", err)
			m.reject(c, env.Ack, "message not stored", "store_failed")
			return
		}
	}

	if ack, err := protocol.Encode(protocol.EventAck, env.Ack, msg); err == nil {
		c.push(ack)
	}
	frame, err := protocol.Encode(protocol.EventMessage, 0, msg)
	if err != nil {
		return
	}
	delivered := 0
	for _, rc := range m.connections(msg.ToID) {
		if rc.push(frame) {
			delivered++
		}
	}
	if delivered > 0 {
		m.metrics.message("delivered")
	} else {
		m.metrics.message("offline")
	}
	logger.Debug("broker_message", "from", msg.FromID, "to", msg.ToID, "message", msg.ID, "connections", delivered)

	m.onPrivateMessage(ctx, msg.FromID, msg.ToID, msg.Content, msg.CreatedAt.UnixMilli())
}

func validate(c *Client, msg *protocol.Message) error {
	if msg.FromID == "" {
		msg.FromID = c.UserID
	}
	if msg.FromID != c.UserID {
		return ErrForeignSender
	}
	msg.ToID = strings.TrimSpace(msg.ToID)
	if msg.ToID == "" || msg.ToID == msg.FromID {
		return ErrNoRecipient
	}
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}

func (m *Manager) reject(c *Client, ack uint64, reason, outcome string) {
	logger.Warn("broker_message_rejected", "user", c.UserID, "reason", reason)
	m.metrics.message(outcome)
	c.push(protocol.EncodeError(ack, reason))
}

// handleSeen stores a read receipt from c's user and forwards it to the
// partner who sent the messages.
func (m *Manager) handleSeen(ctx context.Context, c *Client, env protocol.Envelope) {
	var seen protocol.Seen
	if err := json.Unmarshal(env.Data, &seen); err != nil || seen.PartnerID == "" || len(seen.MessageIDs) == 0 {
		return
	}
	seen.ReaderID = c.UserID

	if m.store != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := m.store.MarkSeen(sctx, seen.ReaderID, seen.PartnerID, seen.MessageIDs)
		cancel()
		if err != nil {
			logger.Error("broker_seen_store_failed", "reader", seen.ReaderID, "error", err)
		}
	}
	m.MarkRead(seen.ReaderID, seen.PartnerID)

	frame, err := protocol.Encode(protocol.EventSeen, 0, seen)
	if err != nil {
		return
	}
	for _, pc := range m.connections(seen.PartnerID) {
		pc.push(frame)
	}
	m.metrics.receipt()
}

func (m *Manager) connections(userID string) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.clients[userID]
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// displayName resolves a user's name from a live connection or the store,
// falling back to the id.
func (m *Manager) displayName(ctx context.Context, userID string) string {
	m.mu.RLock()
	for c := range m.clients[userID] {
		m.mu.RUnlock()
		return c.Name
	}
	m.mu.RUnlock()
	if m.store != nil {
		if p, err := m.store.GetUser(ctx, userID); err == nil && p.Name != "" {
			return p.Name
		}
	}
	return userID
}

// ListClients returns the online users sorted by name, skipping exclude
// (matched against id or name).
func (m *Manager) ListClients(exclude string) []ClientJSON {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClientJSON, 0, len(m.clients))
	for id, set := range m.clients {
		var name string
		for c := range set {
			name = c.Name
			break
		}
		if exclude != "" && (exclude == id || exclude == name) {
			continue
		}
		out = append(out, ClientJSON{ID: id, Name: name, Connections: len(set)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
