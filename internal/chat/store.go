package chat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pelusa-v/forumchat/internal/protocol"
)

var ErrMessageNotFound = errors.New("chat: message not found")

// Conversation is the history with one partner, oldest message first.
type Conversation struct {
	Partner  Profile
	Messages []Message
}

// Last returns the newest message, if any.
func (c Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

func (c *Conversation) index(messageID string) int {
	for i := range c.Messages {
		if c.Messages[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (c *Conversation) clone() Conversation {
	out := Conversation{Partner: c.Partner, Messages: make([]Message, len(c.Messages))}
	copy(out.Messages, c.Messages)
	return out
}

// Store maps partner ids to conversations. Entries carry a Confirmed flag:
// the optimistic view shows every entry, the confirmed view only those the
// broker has settled. Both are computed on read from the same slice, so an
// optimistic entry keeps its position when it gets confirmed.
type Store struct {
	mu     sync.RWMutex
	convs  map[string]*Conversation
	order  []string        // partner ids in creation order
	seeded map[string]bool // partner ids whose history has been loaded
}

func NewStore() *Store {
	return &Store{convs: map[string]*Conversation{}, seeded: map[string]bool{}}
}

// caller holds s.mu
func (s *Store) ensure(profile Profile) *Conversation {
	if c, ok := s.convs[profile.ID]; ok {
		return c
	}
	c := &Conversation{Partner: profile}
	s.convs[profile.ID] = c
	s.order = append(s.order, profile.ID)
	return c
}

// Conversation returns the optimistic view of the conversation with partnerID.
func (s *Store) Conversation(partnerID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[partnerID]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Confirmed returns the conversation without the entries still waiting for
// the broker. This is what survives a reload.
func (s *Store) Confirmed(partnerID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[partnerID]
	if !ok {
		return Conversation{}, false
	}
	out := Conversation{Partner: c.Partner}
	for _, m := range c.Messages {
		if m.Confirmed {
			out.Messages = append(out.Messages, m)
		}
	}
	return out, true
}

// EnsureConversation creates an empty conversation for profile.ID. An existing
// conversation is returned untouched.
func (s *Store) EnsureConversation(profile Profile) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensure(profile).clone()
}

// Append adds m at the end of the conversation with partnerID, creating it
// with profile first when needed. A message id already present in that
// conversation is not appended again and Append returns false.
func (s *Store) Append(partnerID string, profile Profile, m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profile.ID == "" {
		profile.ID = partnerID
	}
	c := s.ensure(profile)
	if c.index(m.ID) >= 0 {
		return false
	}
	c.Messages = append(c.Messages, m)
	return true
}

// UpdateMessageState moves a message to next. Any state after PENDING is a
// settled one, so the entry becomes confirmed.
func (s *Store) UpdateMessageState(partnerID, messageID string, next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(partnerID, messageID)
	if err != nil {
		return err
	}
	if err := m.Transition(next); err != nil {
		return err
	}
	m.Confirmed = true
	return nil
}

// Acknowledge confirms a PENDING message as DELIVERED and merges the fields
// the broker may have amended. A FAILED message stays FAILED.
func (s *Store) Acknowledge(partnerID, messageID string, acked protocol.Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.find(partnerID, messageID)
	if err != nil {
		return Message{}, err
	}
	// a read receipt may overtake the ack
	if m.State != StateSeen {
		if err := m.Transition(StateDelivered); err != nil {
			return *m, err
		}
	}
	m.Confirmed = true
	if acked.ID != "" {
		m.ID = acked.ID
	}
	if !acked.CreatedAt.IsZero() {
		m.CreatedAt = acked.CreatedAt
	}
	return *m, nil
}

// Fail moves a PENDING message to FAILED. The entry stays in place so the
// user can see what went wrong.
func (s *Store) Fail(partnerID, messageID string) error {
	return s.UpdateMessageState(partnerID, messageID, StateFailed)
}

// caller holds s.mu
func (s *Store) find(partnerID, messageID string) (*Message, error) {
	c, ok := s.convs[partnerID]
	if !ok {
		return nil, fmt.Errorf("%w: no conversation with %s", ErrMessageNotFound, partnerID)
	}
	i := c.index(messageID)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	return &c.Messages[i], nil
}

// Seed loads history for a partner once. History goes ahead of whatever was
// appended while it was being fetched; an id already in the conversation keeps
// its current entry at its history position. Seeding again is a no-op.
func (s *Store) Seed(profile Profile, history []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded[profile.ID] {
		return false
	}
	s.seeded[profile.ID] = true
	c := s.ensure(profile)
	c.Partner = profile

	merged := make([]Message, 0, len(history)+len(c.Messages))
	placed := make(map[string]bool, len(history))
	for _, m := range history {
		if placed[m.ID] {
			continue
		}
		placed[m.ID] = true
		if i := c.index(m.ID); i >= 0 {
			m = c.Messages[i]
		}
		merged = append(merged, m)
	}
	for _, m := range c.Messages {
		if !placed[m.ID] {
			merged = append(merged, m)
		}
	}
	c.Messages = merged
	return true
}

// Seeded reports whether history for partnerID has been loaded.
func (s *Store) Seeded(partnerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seeded[partnerID]
}

// MarkIncomingSeen moves every DELIVERED message sent by partnerID to SEEN
// and returns their ids.
func (s *Store) MarkIncomingSeen(partnerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[partnerID]
	if !ok {
		return nil
	}
	var ids []string
	for i := range c.Messages {
		m := &c.Messages[i]
		if m.FromID == partnerID && m.State == StateDelivered {
			m.State = StateSeen
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Conversations returns the optimistic view of every conversation in the
// order they were created.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.convs[id].clone())
	}
	return out
}

func (s *Store) Has(partnerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[partnerID]
	return ok
}

// Reset drops everything.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = map[string]*Conversation{}
	s.order = nil
	s.seeded = map[string]bool{}
}

// Message looks up one message of the conversation with partnerID.
func (s *Store) Message(partnerID, messageID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.find(partnerID, messageID)
	if err != nil {
		return Message{}, false
	}
	return *m, true
}

// Partner returns the cached profile of partnerID.
func (s *Store) Partner(partnerID string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[partnerID]
	if !ok {
		return Profile{}, false
	}
	return c.Partner, true
}
