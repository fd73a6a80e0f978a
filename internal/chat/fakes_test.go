package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/forumchat/internal/protocol"
	"github.com/pelusa-v/forumchat/internal/realtime"
)

type sentMessage struct {
	msg    protocol.Message
	ack    realtime.AckFunc
	reject realtime.RejectFunc
}

// fakeConn records what the session sends and lets the test play the broker.
type fakeConn struct {
	mu      sync.Mutex
	sent    []sentMessage
	seen    []protocol.Seen
	onMsg   func(protocol.Message)
	onSeen  func(protocol.Seen)
	started bool
	closed  bool
	sendErr error

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (f *fakeConn) Send(msg protocol.Message, onAck realtime.AckFunc, onReject realtime.RejectFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{msg: msg, ack: onAck, reject: onReject})
	return nil
}

func (f *fakeConn) MarkSeen(seen protocol.Seen) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, seen)
	return nil
}

func (f *fakeConn) OnInboundMessage(fn func(protocol.Message)) {
	f.mu.Lock()
	f.onMsg = fn
	f.mu.Unlock()
}

func (f *fakeConn) OnSeen(fn func(protocol.Seen)) {
	f.mu.Lock()
	f.onSeen = fn
	f.mu.Unlock()
}

func (f *fakeConn) Start() {
	f.mu.Lock()
	f.started = true
	f.mu.Unlock()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.drop()
	return nil
}

// drop simulates the transport going away.
func (f *fakeConn) drop() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) sentAt(i int) sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

// ackAt answers the i-th send the way the broker does.
func (f *fakeConn) ackAt(i int) {
	s := f.sentAt(i)
	amended := s.msg
	amended.State = protocol.StateDelivered
	s.ack(amended)
}

func (f *fakeConn) receive(m protocol.Message) {
	f.mu.Lock()
	fn := f.onMsg
	f.mu.Unlock()
	fn(m)
}

func (f *fakeConn) receiveSeen(s protocol.Seen) {
	f.mu.Lock()
	fn := f.onSeen
	f.mu.Unlock()
	fn(s)
}

func (f *fakeConn) receipts() []protocol.Seen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Seen(nil), f.seen...)
}

type fakeDirectory struct {
	mu           sync.Mutex
	profiles     map[string]Profile
	history      map[string]protocol.History
	messages     map[string][]protocol.Message
	profileCalls map[string]int
	messageCalls int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		profiles: map[string]Profile{
			"p": {ID: "p", Name: "Pat", Image: "https://img/p.png"},
			"q": {ID: "q", Name: "Quinn"},
		},
		history:      map[string]protocol.History{},
		messages:     map[string][]protocol.Message{},
		profileCalls: map[string]int{},
	}
}

func (d *fakeDirectory) FetchUserProfile(_ context.Context, id string) (Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profileCalls[id]++
	p, ok := d.profiles[id]
	if !ok {
		return Profile{}, protocol.ErrNotFound
	}
	return p, nil
}

func (d *fakeDirectory) FetchConversationHistory(_ context.Context, _ string) (map[string]protocol.History, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history, nil
}

func (d *fakeDirectory) FetchMessages(_ context.Context, _ string, partnerID string) ([]protocol.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messageCalls++
	return d.messages[partnerID], nil
}

func (d *fakeDirectory) calls(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profileCalls[id]
}

// gatedDirectory holds the first gated fetch until open is called.
type gatedDirectory struct {
	*fakeDirectory
	gateProfiles bool
	gateMessages bool
	entered      chan struct{}
	release      chan struct{}
	once         sync.Once
}

func newGatedDirectory() *gatedDirectory {
	return &gatedDirectory{
		fakeDirectory: newFakeDirectory(),
		entered:       make(chan struct{}, 8),
		release:       make(chan struct{}),
	}
}

func (d *gatedDirectory) hold() {
	d.entered <- struct{}{}
	<-d.release
}

func (d *gatedDirectory) open() { d.once.Do(func() { close(d.release) }) }

func (d *gatedDirectory) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("directory was never called")
	}
}

func (d *gatedDirectory) FetchUserProfile(ctx context.Context, id string) (Profile, error) {
	if d.gateProfiles {
		d.hold()
	}
	return d.fakeDirectory.FetchUserProfile(ctx, id)
}

func (d *gatedDirectory) FetchMessages(ctx context.Context, userID, partnerID string) ([]protocol.Message, error) {
	if d.gateMessages {
		d.hold()
	}
	return d.fakeDirectory.FetchMessages(ctx, userID, partnerID)
}

// newTestSession starts a session for user "u" against a fake broker.
func newTestSession(t *testing.T, ackTimeout time.Duration) (*Session, *fakeConn, *fakeDirectory) {
	t.Helper()
	conn := newFakeConn()
	dir := newFakeDirectory()
	s := NewSession(Options{
		Directory:    dir,
		Connector:    ConnectorFunc(func(context.Context, string) (Conn, error) { return conn, nil }),
		AckTimeout:   ackTimeout,
		ReadReceipts: true,
	})
	require.NoError(t, s.Init(context.Background(), "u"))
	t.Cleanup(func() { _ = s.Teardown() })
	return s, conn, dir
}

func waitSettled(t *testing.T, d *Delivery) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := d.Wait(ctx)
	require.NoError(t, err, "delivery did not settle")
	return st
}
