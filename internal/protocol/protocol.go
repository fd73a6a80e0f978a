// Package protocol holds the JSON shapes exchanged between chat clients and the broker.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Event names carried in Envelope.Event.
const (
	EventMessage = "message"
	EventAck     = "ack"
	EventSeen    = "seen"
	EventError   = "error"
	// EventInbox tells a client its inbox previews changed; it carries no message body.
	EventInbox = "inbox"
)

// Message states as they travel on the wire.
const (
	StatePending   = "PENDING"
	StateDelivered = "DELIVERED"
	StateSeen      = "SEEN"
	StateFailed    = "FAILED"
)

// ErrNotFound is returned by collaborators when a user or conversation does not exist.
var ErrNotFound = errors.New("not found")

// Envelope is one websocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"` // correlation number of a send, echoed on ack/error
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

type Message struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Content   string    `json:"content"`
	State     string    `json:"state,omitempty"`
}

// Seen is a read receipt: ReaderID has read MessageIDs sent by PartnerID.
type Seen struct {
	ReaderID   string   `json:"readerId,omitempty"` // filled by the broker
	PartnerID  string   `json:"partnerId"`
	MessageIDs []string `json:"messageIds"`
}

type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// History is one conversation as returned by the history endpoint.
type History struct {
	User     Profile   `json:"user"`
	Messages []Message `json:"messages"`
}

// Encode wraps payload into an envelope and marshals it.
func Encode(event string, ack uint64, payload any) ([]byte, error) {
	env := Envelope{Event: event, Ack: ack}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(&env)
}

// EncodeError builds an error envelope answering the send numbered ack.
func EncodeError(ack uint64, reason string) []byte {
	b, _ := json.Marshal(&Envelope{Event: EventError, Ack: ack, Error: reason})
	return b
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}

// Partner returns the participant of m that is not self.
func (m Message) Partner(self string) string {
	if m.FromID == self {
		return m.ToID
	}
	return m.FromID
}
