// Package chat is the client side of the forum chat: the message store, the
// per-message delivery state machine and the session controller that ties
// them to a broker connection.
package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pelusa-v/forumchat/internal/protocol"
)

// State is the delivery lifecycle of a message.
type State string

const (
	StatePending   State = protocol.StatePending
	StateDelivered State = protocol.StateDelivered
	StateSeen      State = protocol.StateSeen
	StateFailed    State = protocol.StateFailed
)

var ErrInvalidTransition = errors.New("chat: invalid state transition")

// CanTransition reports whether s may move to next. PENDING moves to any of
// DELIVERED, SEEN or FAILED; DELIVERED only to SEEN. FAILED and SEEN are terminal.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateDelivered || next == StateSeen || next == StateFailed
	case StateDelivered:
		return next == StateSeen
	default:
		return false
	}
}

func (s State) Terminal() bool {
	return s == StateFailed || s == StateSeen
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateDelivered, StateSeen, StateFailed:
		return true
	}
	return false
}

type Profile = protocol.Profile

type Message struct {
	ID        string
	CreatedAt time.Time
	FromID    string
	ToID      string
	Content   string
	State     State
	// Confirmed is set once the broker acknowledged the message, the message
	// failed for good, or it came from the broker in the first place.
	Confirmed bool
}

// NewMessage builds an outbound message with a fresh local id in PENDING state.
func NewMessage(fromID, toID, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		FromID:    fromID,
		ToID:      toID,
		Content:   content,
		State:     StatePending,
	}
}

// Transition moves m to next or returns ErrInvalidTransition.
func (m *Message) Transition(next State) error {
	if !m.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.State, next)
	}
	m.State = next
	return nil
}

// PartnerID is the participant of m that is not self.
func (m Message) PartnerID(self string) string {
	if m.FromID == self {
		return m.ToID
	}
	return m.FromID
}

func (m Message) wire() protocol.Message {
	return protocol.Message{
		ID:        m.ID,
		CreatedAt: m.CreatedAt,
		FromID:    m.FromID,
		ToID:      m.ToID,
		Content:   m.Content,
	}
}

// fromWire converts a broker message. Anything the broker already holds is
// confirmed; a missing or PENDING state is read as DELIVERED since a receiver
// never sees PENDING for someone else's message.
func fromWire(w protocol.Message) Message {
	st := State(w.State)
	if !st.Valid() || st == StatePending {
		st = StateDelivered
	}
	return Message{
		ID:        w.ID,
		CreatedAt: w.CreatedAt,
		FromID:    w.FromID,
		ToID:      w.ToID,
		Content:   w.Content,
		State:     st,
		Confirmed: true,
	}
}
