package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/forumchat/internal/protocol"
)

type fakeWS struct {
	in     chan []byte
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newFakeWS() *fakeWS {
	return &fakeWS{in: make(chan []byte, 16), out: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeWS) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return 1, b, nil
	case <-f.closed:
		return 0, nil, io.EOF
	}
}

func (f *fakeWS) WriteMessage(_ int, b []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.out <- b:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeWS) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeStore struct {
	mu       sync.Mutex
	saved    map[string]protocol.Message
	seen     map[string]string // message id -> reader
	users    map[string]protocol.Profile
	saveErr  error
	seenCall int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		saved: map[string]protocol.Message{},
		seen:  map[string]string{},
		users: map[string]protocol.Profile{"u": {ID: "u", Name: "Uma"}, "p": {ID: "p", Name: "Pat"}},
	}
}

func (s *fakeStore) SaveMessage(_ context.Context, m protocol.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return false, s.saveErr
	}
	if _, ok := s.saved[m.ID]; ok {
		return false, nil
	}
	s.saved[m.ID] = m
	return true, nil
}

func (s *fakeStore) MarkSeen(_ context.Context, readerID, _ string, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenCall++
	for _, id := range ids {
		s.seen[id] = readerID
	}
	return int64(len(ids)), nil
}

func (s *fakeStore) GetUser(_ context.Context, id string) (protocol.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[id]
	if !ok {
		return protocol.Profile{}, protocol.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) get(id string) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.saved[id]
	return m, ok
}

type harness struct {
	t      *testing.T
	m      *Manager
	store  *fakeStore
	ctx    context.Context
	cancel context.CancelFunc
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.Store == nil {
		opts.Store = newFakeStore()
	}
	m := NewManager(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	t.Cleanup(cancel)
	st, _ := opts.Store.(*fakeStore)
	return &harness{t: t, m: m, store: st, ctx: ctx, cancel: cancel}
}

func (h *harness) connections(userID string) int {
	for _, c := range h.m.ListClients("") {
		if c.ID == userID {
			return c.Connections
		}
	}
	return 0
}

// connect opens one more connection for userID and waits until the hub has it.
func (h *harness) connect(userID string) *fakeWS {
	h.t.Helper()
	before := h.connections(userID)
	ws := newFakeWS()
	go func() { _ = h.m.Serve(h.ctx, ws, userID) }()
	require.Eventually(h.t, func() bool { return h.connections(userID) == before+1 }, time.Second, 5*time.Millisecond)
	return ws
}

func send(t *testing.T, ws *fakeWS, event string, ack uint64, payload any) {
	t.Helper()
	b, err := protocol.Encode(event, ack, payload)
	require.NoError(t, err)
	ws.in <- b
}

// next returns the next frame of the given event, skipping inbox signals.
func next(t *testing.T, ws *fakeWS, event string) protocol.Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case b := <-ws.out:
			env, err := protocol.Decode(b)
			require.NoError(t, err)
			if env.Event == protocol.EventInbox && event != protocol.EventInbox {
				continue
			}
			require.Equal(t, event, env.Event, "got %s", string(b))
			return env
		case <-deadline:
			t.Fatalf("no %s frame", event)
		}
	}
}

// quiet asserts that no frame other than inbox signals arrives for a while.
func quiet(t *testing.T, ws *fakeWS) {
	t.Helper()
	deadline := time.After(50 * time.Millisecond)
	for {
		select {
		case b := <-ws.out:
			env, _ := protocol.Decode(b)
			if env.Event != protocol.EventInbox {
				t.Fatalf("unexpected frame %s", string(b))
			}
		case <-deadline:
			return
		}
	}
}

func decodeMessage(t *testing.T, env protocol.Envelope) protocol.Message {
	t.Helper()
	var m protocol.Message
	require.NoError(t, json.Unmarshal(env.Data, &m))
	return m
}

func TestMessageAckedAndRouted(t *testing.T) {
	h := newHarness(t, Options{})
	u := h.connect("u")
	p1 := h.connect("p")
	p2 := h.connect("p")

	send(t, u, protocol.EventMessage, 7, protocol.Message{ID: "m1", FromID: "u", ToID: "p", Content: "hi"})

	ack := next(t, u, protocol.EventAck)
	assert.Equal(t, uint64(7), ack.Ack)
	acked := decodeMessage(t, ack)
	assert.Equal(t, "m1", acked.ID, "client id is kept")
	assert.Equal(t, protocol.StateDelivered, acked.State)
	assert.False(t, acked.CreatedAt.IsZero())

	for _, ws := range []*fakeWS{p1, p2} {
		got := decodeMessage(t, next(t, ws, protocol.EventMessage))
		assert.Equal(t, "hi", got.Content)
		assert.Equal(t, "u", got.FromID)
	}

	stored, ok := h.store.get("m1")
	require.True(t, ok)
	assert.Equal(t, protocol.StateDelivered, stored.State)
}

func TestMessageKeepsClientTimestamp(t *testing.T) {
	h := newHarness(t, Options{})
	u := h.connect("u")
	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	send(t, u, protocol.EventMessage, 1, protocol.Message{ID: "m1", ToID: "p", Content: "hi", CreatedAt: at})

	acked := decodeMessage(t, next(t, u, protocol.EventAck))
	assert.True(t, at.Equal(acked.CreatedAt))
	assert.Equal(t, "u", acked.FromID, "sender filled from the connection")
}

func TestMessageRejected(t *testing.T) {
	cases := []struct {
		name string
		msg  protocol.Message
	}{
		{"foreign sender", protocol.Message{ID: "1", FromID: "mallory", ToID: "p", Content: "hi"}},
		{"no recipient", protocol.Message{ID: "2", FromID: "u", Content: "hi"}},
		{"to self", protocol.Message{ID: "3", FromID: "u", ToID: "u", Content: "hi"}},
		{"blank content", protocol.Message{ID: "4", FromID: "u", ToID: "p", Content: "  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			u := h.connect("u")
			p := h.connect("p")

			send(t, u, protocol.EventMessage, 3, tc.msg)
			env := next(t, u, protocol.EventError)
			assert.Equal(t, uint64(3), env.Ack)
			assert.NotEmpty(t, env.Error)
			quiet(t, p)
			_, ok := h.store.get(tc.msg.ID)
			assert.False(t, ok)
		})
	}
}

func TestStoreFailureSendsErrorNotAck(t *testing.T) {
	store := newFakeStore()
	store.saveErr = errors.New("disk full")
	h := newHarness(t, Options{Store: store})
	u := h.connect("u")
	p := h.connect("p")

	send(t, u, protocol.EventMessage, 9, protocol.Message{ID: "m1", ToID: "p", Content: "hi"})
	env := next(t, u, protocol.EventError)
	assert.Equal(t, uint64(9), env.Ack)
	quiet(t, p)
}

func TestRateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	h := newHarness(t, Options{RateLimit: 0.001, RateBurst: 1, Metrics: metrics})
	u := h.connect("u")

	send(t, u, protocol.EventMessage, 1, protocol.Message{ID: "m1", ToID: "p", Content: "one"})
	next(t, u, protocol.EventAck)
	send(t, u, protocol.EventMessage, 2, protocol.Message{ID: "m2", ToID: "p", Content: "two"})
	env := next(t, u, protocol.EventError)
	assert.Equal(t, uint64(2), env.Ack)
	assert.Equal(t, "rate limited", env.Error)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues("rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues("offline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.connections))
}

func TestSeenForwardedAndStored(t *testing.T) {
	h := newHarness(t, Options{})
	u := h.connect("u")
	p := h.connect("p")

	send(t, u, protocol.EventMessage, 1, protocol.Message{ID: "m1", ToID: "p", Content: "hi"})
	next(t, u, protocol.EventAck)
	next(t, p, protocol.EventMessage)
	require.Eventually(t, func() bool {
		inbox := h.m.GetInbox("p")
		return len(inbox) == 1 && inbox[0].Unread == 1
	}, time.Second, 5*time.Millisecond)

	send(t, p, protocol.EventSeen, 0, protocol.Seen{ReaderID: "spoofed", PartnerID: "u", MessageIDs: []string{"m1"}})

	var seen protocol.Seen
	require.NoError(t, json.Unmarshal(next(t, u, protocol.EventSeen).Data, &seen))
	assert.Equal(t, "p", seen.ReaderID)
	assert.Equal(t, []string{"m1"}, seen.MessageIDs)

	h.store.mu.Lock()
	assert.Equal(t, "p", h.store.seen["m1"])
	h.store.mu.Unlock()
	assert.Equal(t, 0, h.m.GetInbox("p")[0].Unread)
}

func TestInboxPreviews(t *testing.T) {
	h := newHarness(t, Options{})
	u := h.connect("u")

	send(t, u, protocol.EventMessage, 1, protocol.Message{ID: "m1", ToID: "p", Content: "first"})
	next(t, u, protocol.EventAck)
	send(t, u, protocol.EventMessage, 2, protocol.Message{ID: "m2", ToID: "p", Content: "second"})
	next(t, u, protocol.EventAck)
	send(t, u, protocol.EventMessage, 3, protocol.Message{ID: "m3", ToID: "q", Content: "other"})
	next(t, u, protocol.EventAck)
	require.Eventually(t, func() bool { return len(h.m.GetInbox("u")) == 2 }, time.Second, 5*time.Millisecond)

	inbox := h.m.GetInbox("p")
	require.Len(t, inbox, 1)
	assert.Equal(t, "u", inbox[0].PartnerID)
	assert.Equal(t, "Uma", inbox[0].Title)
	assert.Equal(t, "second", inbox[0].LastBody)
	assert.Equal(t, 2, inbox[0].Unread)

	mine := h.m.GetInbox("u")
	require.Len(t, mine, 2)
	assert.Zero(t, mine[0].Unread)
	assert.Equal(t, "Pat", previewFor(mine, "p").Title)
	assert.Equal(t, "q", previewFor(mine, "q").Title)

	h.m.MarkRead("p", "u")
	assert.Zero(t, h.m.GetInbox("p")[0].Unread)
	assert.Empty(t, h.m.GetInbox("nobody"))
}

func previewFor(list []*ThreadPreview, partner string) *ThreadPreview {
	for _, p := range list {
		if p.PartnerID == partner {
			return p
		}
	}
	return nil
}

func TestUnknownEvent(t *testing.T) {
	h := newHarness(t, Options{})
	u := h.connect("u")
	send(t, u, "dance", 4, nil)
	env := next(t, u, protocol.EventError)
	assert.Equal(t, uint64(4), env.Ack)
}

func TestMalformedFrame(t *testing.T) {
	h := newHarness(t, Options{})
	u := h.connect("u")
	u.in <- []byte("{not json")
	next(t, u, protocol.EventError)
}

func TestListClientsAndDisconnect(t *testing.T) {
	h := newHarness(t, Options{})
	u := h.connect("u")
	h.connect("p")
	h.connect("p")

	clients := h.m.ListClients("u")
	require.Len(t, clients, 1)
	assert.Equal(t, ClientJSON{ID: "p", Name: "Pat", Connections: 2}, clients[0])
	assert.Len(t, h.m.ListClients("Pat"), 1)

	require.NoError(t, u.Close())
	require.Eventually(t, func() bool { return len(h.m.ListClients("")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopClosesConnections(t *testing.T) {
	h := newHarness(t, Options{})
	u := h.connect("u")

	h.cancel()
	select {
	case <-u.closed:
	case <-time.After(time.Second):
		t.Fatal("connection not closed on stop")
	}
	assert.ErrorIs(t, h.m.Register(h.m.NewClient(newFakeWS(), "x", "")), ErrStopped)
}
