package chat

import (
	"context"
	"sync"
	"time"
)

// Delivery is the pending outcome of one sent message. It settles exactly
// once: DELIVERED (or SEEN) when the broker answers in time, FAILED when the
// deadline passes, the broker refuses it or the session ends first.
type Delivery struct {
	partnerID string

	mu    sync.Mutex
	id    string
	state State
	timer *time.Timer
	done  chan struct{}
}

func (d *Delivery) PartnerID() string { return d.partnerID }

// MessageID is the local id, or the broker's id once it has been reconciled.
func (d *Delivery) MessageID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *Delivery) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done is closed once the delivery has settled.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the delivery settles or ctx ends.
func (d *Delivery) Wait(ctx context.Context) (State, error) {
	select {
	case <-d.done:
		return d.State(), nil
	case <-ctx.Done():
		return d.State(), ctx.Err()
	}
}

func (d *Delivery) finish(state State, id string) {
	d.mu.Lock()
	d.state = state
	if id != "" {
		d.id = id
	}
	d.mu.Unlock()
	close(d.done)
}

// tracker is the correlation table of in-flight sends, keyed by local
// message id. Whoever claims an entry first (ack, timer, rejection,
// teardown) settles it; later claimants find nothing.
type tracker struct {
	timeout time.Duration

	mu       sync.Mutex
	inflight map[string]*Delivery
}

func newTracker(timeout time.Duration) *tracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &tracker{timeout: timeout, inflight: map[string]*Delivery{}}
}

// track registers messageID and arms its deadline. onTimeout runs on the
// timer goroutine, only if nobody claimed the entry before.
func (t *tracker) track(partnerID, messageID string, onTimeout func(*Delivery)) *Delivery {
	d := &Delivery{
		partnerID: partnerID,
		id:        messageID,
		state:     StatePending,
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.inflight[messageID] = d
	d.timer = time.AfterFunc(t.timeout, func() {
		if claimed, ok := t.claim(messageID); ok {
			onTimeout(claimed)
		}
	})
	t.mu.Unlock()
	return d
}

// claim removes messageID from the table and stops its timer.
func (t *tracker) claim(messageID string) (*Delivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.inflight[messageID]
	if !ok {
		return nil, false
	}
	delete(t.inflight, messageID)
	d.timer.Stop()
	return d, true
}

// drain claims every in-flight entry.
func (t *tracker) drain() []*Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Delivery, 0, len(t.inflight))
	for id, d := range t.inflight {
		d.timer.Stop()
		delete(t.inflight, id)
		out = append(out, d)
	}
	return out
}

func (t *tracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
