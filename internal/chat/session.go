package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pelusa-v/forumchat/internal/logger"
	"github.com/pelusa-v/forumchat/internal/protocol"
	"github.com/pelusa-v/forumchat/internal/realtime"
)

// DefaultAckTimeout is the delivery deadline when Options leaves it unset.
const DefaultAckTimeout = 10 * time.Second

var (
	ErrNoSession    = errors.New("chat: no authenticated session")
	ErrNotConnected = errors.New("chat: not connected")
	ErrEmptyMessage = errors.New("chat: empty message")
	ErrUnknownUser  = errors.New("chat: unknown user")
	ErrNotFailed    = errors.New("chat: message has not failed")
	ErrActive       = errors.New("chat: session already active")
)

// Directory is the persistence side the session reads profiles and history
// from. Missing users are reported with protocol.ErrNotFound.
type Directory interface {
	FetchUserProfile(ctx context.Context, id string) (Profile, error)
	FetchConversationHistory(ctx context.Context, userID string) (map[string]protocol.History, error)
	FetchMessages(ctx context.Context, userID, partnerID string) ([]protocol.Message, error)
}

// Conn is the broker connection as the session uses it; *realtime.Connection
// implements it.
type Conn interface {
	Send(msg protocol.Message, onAck realtime.AckFunc, onReject realtime.RejectFunc) error
	MarkSeen(seen protocol.Seen) error
	OnInboundMessage(fn func(protocol.Message))
	OnSeen(fn func(protocol.Seen))
	Start()
	Close() error
	Done() <-chan struct{}
}

type Connector interface {
	Connect(ctx context.Context, userID string) (Conn, error)
}

type ConnectorFunc func(ctx context.Context, userID string) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context, userID string) (Conn, error) {
	return f(ctx, userID)
}

// DialerConnector adapts a realtime.Dialer.
func DialerConnector(d *realtime.Dialer) Connector {
	return ConnectorFunc(func(ctx context.Context, userID string) (Conn, error) {
		c, err := d.Connect(ctx, userID)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

type Options struct {
	Directory Directory
	Connector Connector
	// AckTimeout is the deadline after which an unacknowledged message fails.
	AckTimeout time.Duration
	// ReadReceipts sends a seen receipt when a conversation is looked at.
	ReadReceipts bool
	// RequestTimeout bounds profile lookups made for inbound messages.
	RequestTimeout time.Duration
}

type EventKind int

const (
	EventSession EventKind = iota
	EventPanel
	EventSelection
	EventConversation
	EventMessage
	EventState
)

// Event tells subscribers that the read model changed.
type Event struct {
	Kind      EventKind
	PartnerID string
	MessageID string
}

// Snapshot is the read model the presentation layer renders.
type Snapshot struct {
	UserID        string
	Active        bool
	PanelOpen     bool
	Selected      string
	Conversations []Conversation
}

// Session is the chat state of one signed-in user. It owns the message store
// and the broker connection between Init and Teardown.
type Session struct {
	dir            Directory
	connector      Connector
	readReceipts   bool
	requestTimeout time.Duration

	store   *Store
	tracker *tracker

	mu         sync.Mutex
	userID     string
	conn       Conn
	connecting bool
	// gen changes whenever the live connection does (Init, loss, Teardown).
	// Work that waited on the network only lands if gen is unchanged.
	gen       uint64
	panelOpen bool
	selected  string

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func NewSession(opts Options) *Session {
	rt := opts.RequestTimeout
	if rt <= 0 {
		rt = 5 * time.Second
	}
	return &Session{
		dir:            opts.Directory,
		connector:      opts.Connector,
		readReceipts:   opts.ReadReceipts,
		requestTimeout: rt,
		store:          NewStore(),
		tracker:        newTracker(opts.AckTimeout),
		subs:           map[int]chan Event{},
	}
}

// Init connects userID to the broker and loads the conversation history.
// An anonymous session (empty userID) leaves chat inactive and is not an error.
func (s *Session) Init(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		logger.Debug("chat_inactive_anonymous")
		return nil
	}
	if s.connector == nil {
		return fmt.Errorf("%w: no connector", ErrNotConnected)
	}
	s.mu.Lock()
	if s.conn != nil || s.connecting {
		s.mu.Unlock()
		return ErrActive
	}
	s.connecting = true
	gen := s.gen
	s.mu.Unlock()

	conn, err := s.connector.Connect(ctx, userID)
	if err != nil {
		s.mu.Lock()
		s.connecting = false
		s.mu.Unlock()
		if errors.Is(err, realtime.ErrNoSession) {
			return nil
		}
		return fmt.Errorf("chat: connect %s: %w", userID, err)
	}
	conn.OnInboundMessage(s.handleInbound)
	conn.OnSeen(s.handleSeen)

	s.mu.Lock()
	s.connecting = false
	if s.gen != gen {
		// torn down while dialing
		s.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: session ended while connecting", ErrNotConnected)
	}
	s.gen++
	gen = s.gen
	s.userID = userID
	s.conn = conn
	s.mu.Unlock()

	s.loadHistory(ctx, userID, gen)

	// inbound frames wait in the socket until history is seeded
	conn.Start()
	go s.watch(conn)

	logger.Info("chat_session_started", "user", userID)
	s.publish(Event{Kind: EventSession})
	return nil
}

func (s *Session) loadHistory(ctx context.Context, userID string, gen uint64) {
	if s.dir == nil {
		return
	}
	history, err := s.dir.FetchConversationHistory(ctx, userID)
	if err != nil {
		logger.Warn("chat_history_failed", "user", userID, "error", err)
		return
	}

	partners := make([]string, 0, len(history))
	for id := range history {
		partners = append(partners, id)
	}
	// most recent conversation first
	sort.Slice(partners, func(i, j int) bool {
		return lastAt(history[partners[i]]).After(lastAt(history[partners[j]]))
	})
	s.commit(gen, func() {
		for _, id := range partners {
			h := history[id]
			profile := h.User
			if profile.ID == "" {
				profile.ID = id
			}
			s.store.Seed(profile, convertAll(h.Messages))
		}
	})
}

func lastAt(h protocol.History) time.Time {
	if len(h.Messages) == 0 {
		return time.Time{}
	}
	return h.Messages[len(h.Messages)-1].CreatedAt
}

func convertAll(in []protocol.Message) []Message {
	out := make([]Message, 0, len(in))
	for _, w := range in {
		out = append(out, fromWire(w))
	}
	return out
}

// watch drops the connection handle when the transport goes away. The session
// does not reconnect; sends fail with ErrNotConnected until Init runs again.
func (s *Session) watch(conn Conn) {
	<-conn.Done()
	s.mu.Lock()
	lost := s.conn == conn
	if lost {
		s.conn = nil
		s.gen++
	}
	s.mu.Unlock()
	if lost {
		logger.Warn("chat_connection_lost", "user", s.UserID())
		s.publish(Event{Kind: EventSession})
	}
}

// Teardown closes the connection, fails in-flight deliveries and clears all
// chat state. It is safe to call on a session that never started.
func (s *Session) Teardown() error {
	s.mu.Lock()
	conn := s.conn
	user := s.userID
	s.conn = nil
	s.userID = ""
	s.gen++
	s.panelOpen = false
	s.selected = ""
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	for _, d := range s.tracker.drain() {
		d.finish(StateFailed, "")
	}
	s.store.Reset()
	if user != "" {
		logger.Info("chat_session_closed", "user", user)
	}
	s.publish(Event{Kind: EventSession})
	return err
}

func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) active() (string, Conn, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.conn, s.gen
}

func (s *Session) ready() (string, Conn, uint64, error) {
	user, conn, gen := s.active()
	if user == "" {
		return "", nil, 0, ErrNoSession
	}
	if conn == nil {
		return "", nil, 0, ErrNotConnected
	}
	return user, conn, gen, nil
}

// commit runs fn under the session lock if the connection seen as gen is
// still the live one. fn may touch the store and tracker but must not block.
func (s *Session) commit(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.conn == nil {
		return false
	}
	fn()
	return true
}

// TogglePanel flips the chat panel and returns the new visibility.
func (s *Session) TogglePanel() bool {
	s.mu.Lock()
	s.panelOpen = !s.panelOpen
	open := s.panelOpen
	s.mu.Unlock()
	s.publish(Event{Kind: EventPanel})
	return open
}

// OpenConversation makes sure a conversation with partnerID exists, seeding
// it from the directory the first time, then selects it and opens the panel.
// An unknown partner is a silent no-op.
func (s *Session) OpenConversation(ctx context.Context, partnerID string) error {
	user, _, gen, err := s.ready()
	if err != nil {
		return err
	}
	partnerID = strings.TrimSpace(partnerID)
	if partnerID == "" || partnerID == user {
		return nil
	}

	apply := func() {}
	changed := false
	switch {
	case s.store.Seeded(partnerID):
	case s.dir == nil:
		if !s.store.Has(partnerID) {
			return nil
		}
	default:
		profile, err := s.dir.FetchUserProfile(ctx, partnerID)
		if errors.Is(err, protocol.ErrNotFound) {
			logger.Debug("chat_open_unknown_partner", "partner", partnerID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("chat: fetch profile %s: %w", partnerID, err)
		}
		history, err := s.dir.FetchMessages(ctx, user, partnerID)
		if err != nil {
			// left unseeded so the next open fetches again
			logger.Warn("chat_open_history_failed", "partner", partnerID, "error", err)
			apply = func() { s.store.EnsureConversation(profile) }
		} else {
			apply = func() { changed = s.store.Seed(profile, convertAll(history)) }
		}
	}

	ok := s.commit(gen, func() {
		apply()
		s.panelOpen = true
		s.selected = partnerID
	})
	if !ok {
		return ErrNotConnected
	}
	if changed {
		s.publish(Event{Kind: EventConversation, PartnerID: partnerID})
	}
	s.publish(Event{Kind: EventSelection, PartnerID: partnerID})
	s.sendReceipts(partnerID)
	return nil
}

// SelectConversation focuses an existing conversation.
func (s *Session) SelectConversation(partnerID string) {
	if !s.store.Has(partnerID) {
		return
	}
	s.mu.Lock()
	s.selected = partnerID
	s.mu.Unlock()
	s.publish(Event{Kind: EventSelection, PartnerID: partnerID})
	s.sendReceipts(partnerID)
}

func (s *Session) DeselectConversation() {
	s.mu.Lock()
	s.selected = ""
	s.mu.Unlock()
	s.publish(Event{Kind: EventSelection})
}

// SendMessage appends a PENDING message to the conversation with partnerID
// right away and hands it to the broker. The returned Delivery settles when
// the broker acknowledges it or the ack deadline passes.
func (s *Session) SendMessage(ctx context.Context, partnerID, text string) (*Delivery, error) {
	user, conn, gen, err := s.ready()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	partnerID = strings.TrimSpace(partnerID)
	if partnerID == "" || partnerID == user {
		return nil, ErrUnknownUser
	}
	profile, err := s.partnerProfile(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	msg := NewMessage(user, partnerID, text)
	var d *Delivery
	ok := s.commit(gen, func() {
		s.store.Append(partnerID, profile, msg)
		d = s.tracker.track(partnerID, msg.ID, s.expire)
	})
	if !ok {
		return nil, ErrNotConnected
	}
	s.publish(Event{Kind: EventMessage, PartnerID: partnerID, MessageID: msg.ID})

	err = conn.Send(msg.wire(), s.onAck(partnerID, msg.ID), s.onReject(partnerID, msg.ID))
	if err != nil {
		logger.Warn("chat_send_failed", "partner", partnerID, "message", msg.ID, "error", err)
		if claimed, ok := s.tracker.claim(msg.ID); ok {
			s.expire(claimed)
		}
	}
	return d, nil
}

// Resend sends the content of a FAILED message again as a new message.
func (s *Session) Resend(ctx context.Context, partnerID, messageID string) (*Delivery, error) {
	m, ok := s.store.Message(partnerID, messageID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if m.State != StateFailed {
		return nil, ErrNotFailed
	}
	return s.SendMessage(ctx, partnerID, m.Content)
}

func (s *Session) partnerProfile(ctx context.Context, partnerID string) (Profile, error) {
	if p, ok := s.store.Partner(partnerID); ok {
		return p, nil
	}
	if s.dir == nil {
		return Profile{ID: partnerID}, nil
	}
	p, err := s.dir.FetchUserProfile(ctx, partnerID)
	if errors.Is(err, protocol.ErrNotFound) {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownUser, partnerID)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("chat: fetch profile %s: %w", partnerID, err)
	}
	return p, nil
}

func (s *Session) onAck(partnerID, messageID string) realtime.AckFunc {
	return func(acked protocol.Message) {
		d, ok := s.tracker.claim(messageID)
		if !ok {
			// the deadline already failed it; FAILED stays
			logger.Warn("chat_late_ack", "partner", partnerID, "message", messageID)
			return
		}
		m, err := s.store.Acknowledge(partnerID, messageID, acked)
		if err != nil {
			logger.Warn("chat_ack_not_applied", "message", messageID, "error", err)
			d.finish(StateFailed, "")
			return
		}
		d.finish(m.State, m.ID)
		s.publish(Event{Kind: EventState, PartnerID: partnerID, MessageID: m.ID})
	}
}

func (s *Session) onReject(partnerID, messageID string) realtime.RejectFunc {
	return func(reason string) {
		d, ok := s.tracker.claim(messageID)
		if !ok {
			return
		}
		logger.Warn("chat_send_rejected", "partner", partnerID, "message", messageID, "reason", reason)
		s.expire(d)
	}
}

// expire settles a claimed delivery as FAILED.
func (s *Session) expire(d *Delivery) {
	id := d.MessageID()
	state := StateFailed
	if err := s.store.Fail(d.PartnerID(), id); err != nil {
		if m, ok := s.store.Message(d.PartnerID(), id); ok {
			state = m.State
		}
	} else {
		logger.Info("chat_delivery_failed", "partner", d.PartnerID(), "message", id)
	}
	d.finish(state, "")
	s.publish(Event{Kind: EventState, PartnerID: d.PartnerID(), MessageID: id})
}

// handleInbound runs on the connection's read goroutine, one message at a time.
func (s *Session) handleInbound(w protocol.Message) {
	user, _, gen := s.active()
	if user == "" || w.ToID != user {
		logger.Debug("chat_inbound_ignored", "to", w.ToID)
		return
	}
	partnerID := w.FromID
	profile, ok := s.store.Partner(partnerID)
	if !ok {
		profile = Profile{ID: partnerID}
		if s.dir != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
			p, err := s.dir.FetchUserProfile(ctx, partnerID)
			cancel()
			if err != nil {
				logger.Warn("chat_inbound_profile_failed", "partner", partnerID, "error", err)
			} else {
				profile = p
			}
		}
	}

	appended := false
	s.commit(gen, func() {
		appended = s.store.Append(partnerID, profile, fromWire(w))
	})
	if !appended {
		return
	}
	s.publish(Event{Kind: EventMessage, PartnerID: partnerID, MessageID: w.ID})

	s.mu.Lock()
	looking := s.panelOpen && s.selected == partnerID
	s.mu.Unlock()
	if looking {
		s.sendReceipts(partnerID)
	}
}

// handleSeen applies a read receipt from the partner to our own messages.
func (s *Session) handleSeen(seen protocol.Seen) {
	user := s.UserID()
	if user == "" || seen.PartnerID != user || seen.ReaderID == "" {
		return
	}
	changed := false
	for _, id := range seen.MessageIDs {
		// a receipt only covers what we wrote
		if m, ok := s.store.Message(seen.ReaderID, id); !ok || m.FromID != user {
			continue
		}
		if err := s.store.UpdateMessageState(seen.ReaderID, id, StateSeen); err != nil {
			logger.Debug("chat_seen_not_applied", "message", id, "error", err)
			continue
		}
		changed = true
		if d, ok := s.tracker.claim(id); ok {
			d.finish(StateSeen, "")
		}
	}
	if changed {
		s.publish(Event{Kind: EventState, PartnerID: seen.ReaderID})
	}
}

func (s *Session) sendReceipts(partnerID string) {
	if !s.readReceipts {
		return
	}
	_, conn, _ := s.active()
	if conn == nil {
		return
	}
	ids := s.store.MarkIncomingSeen(partnerID)
	if len(ids) == 0 {
		return
	}
	if err := conn.MarkSeen(protocol.Seen{PartnerID: partnerID, MessageIDs: ids}); err != nil {
		logger.Warn("chat_receipt_failed", "partner", partnerID, "error", err)
	}
	s.publish(Event{Kind: EventState, PartnerID: partnerID})
}

// Conversation returns the optimistic view of one conversation.
func (s *Session) Conversation(partnerID string) (Conversation, bool) {
	return s.store.Conversation(partnerID)
}

// Confirmed returns the acknowledged view of one conversation.
func (s *Session) Confirmed(partnerID string) (Conversation, bool) {
	return s.store.Confirmed(partnerID)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		UserID:    s.userID,
		Active:    s.conn != nil,
		PanelOpen: s.panelOpen,
		Selected:  s.selected,
	}
	s.mu.Unlock()
	snap.Conversations = s.store.Conversations()
	return snap
}

// Subscribe returns a channel of change notifications and a function that
// ends the subscription. Notifications are dropped for a subscriber that is
// not keeping up; it should re-read the Snapshot on the next one it gets.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Session) publish(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
