package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/forumchat/internal/protocol"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateDelivered, true},
		{StatePending, StateSeen, true},
		{StatePending, StateFailed, true},
		{StateDelivered, StateSeen, true},
		{StateDelivered, StateFailed, false},
		{StateDelivered, StatePending, false},
		{StateFailed, StateDelivered, false},
		{StateFailed, StatePending, false},
		{StateSeen, StateDelivered, false},
		{StatePending, StatePending, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			m := Message{State: tc.from}
			err := m.Transition(tc.to)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.to, m.State)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, tc.from, m.State)
		})
	}
}

func TestNewMessage(t *testing.T) {
	a := NewMessage("u", "p", "hi")
	b := NewMessage("u", "p", "hi")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, StatePending, a.State)
	assert.False(t, a.Confirmed)
	assert.Equal(t, "p", a.PartnerID("u"))
	assert.Equal(t, "u", a.PartnerID("p"))
	assert.WithinDuration(t, time.Now(), a.CreatedAt, time.Second)
}

func TestFromWireNormalizesState(t *testing.T) {
	assert.Equal(t, StateDelivered, fromWire(protocol.Message{State: ""}).State)
	assert.Equal(t, StateDelivered, fromWire(protocol.Message{State: "bogus"}).State)
	assert.Equal(t, StateDelivered, fromWire(protocol.Message{State: protocol.StatePending}).State)
	assert.Equal(t, StateSeen, fromWire(protocol.Message{State: protocol.StateSeen}).State)
	assert.True(t, fromWire(protocol.Message{}).Confirmed)
}

func TestStoreAppendDedupesByID(t *testing.T) {
	s := NewStore()
	p := Profile{ID: "p", Name: "Pat"}

	assert.True(t, s.Append("p", p, Message{ID: "1", Content: "a"}))
	assert.False(t, s.Append("p", p, Message{ID: "1", Content: "a again"}))
	assert.True(t, s.Append("p", p, Message{ID: "2", Content: "b"}))

	conv, ok := s.Conversation("p")
	require.True(t, ok)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "a", conv.Messages[0].Content)

	last, ok := conv.Last()
	require.True(t, ok)
	assert.Equal(t, "2", last.ID)
}

func TestStoreAppendFillsMissingProfileID(t *testing.T) {
	s := NewStore()
	s.Append("p", Profile{}, Message{ID: "1"})
	partner, ok := s.Partner("p")
	require.True(t, ok)
	assert.Equal(t, "p", partner.ID)
}

func TestStoreViewsAreCopies(t *testing.T) {
	s := NewStore()
	s.Append("p", Profile{ID: "p"}, Message{ID: "1", Content: "a"})

	conv, _ := s.Conversation("p")
	conv.Messages[0].Content = "changed"

	again, _ := s.Conversation("p")
	assert.Equal(t, "a", again.Messages[0].Content)
}

func TestStoreConfirmedView(t *testing.T) {
	s := NewStore()
	p := Profile{ID: "p"}
	s.Append("p", p, Message{ID: "1", State: StatePending})
	s.Append("p", p, Message{ID: "2", State: StatePending})
	s.Append("p", p, Message{ID: "3", State: StateDelivered, Confirmed: true})

	confirmed, ok := s.Confirmed("p")
	require.True(t, ok)
	require.Len(t, confirmed.Messages, 1)

	_, err := s.Acknowledge("p", "2", protocol.Message{})
	require.NoError(t, err)
	require.NoError(t, s.Fail("p", "1"))

	confirmed, _ = s.Confirmed("p")
	var ids []string
	for _, m := range confirmed.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids, "confirmed entries keep their position")

	_, ok = s.Confirmed("nobody")
	assert.False(t, ok)
}

func TestStoreAcknowledge(t *testing.T) {
	s := NewStore()
	created := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.Append("p", Profile{ID: "p"}, Message{ID: "local", State: StatePending})

	m, err := s.Acknowledge("p", "local", protocol.Message{ID: "server", CreatedAt: created})
	require.NoError(t, err)
	assert.Equal(t, "server", m.ID)
	assert.Equal(t, created, m.CreatedAt)
	assert.Equal(t, StateDelivered, m.State)
	assert.True(t, m.Confirmed)

	_, ok := s.Message("p", "local")
	assert.False(t, ok)
	_, ok = s.Message("p", "server")
	assert.True(t, ok)
}

func TestStoreAcknowledgeKeepsFailedAndSeen(t *testing.T) {
	s := NewStore()
	p := Profile{ID: "p"}
	s.Append("p", p, Message{ID: "f", State: StatePending})
	s.Append("p", p, Message{ID: "s", State: StatePending})
	require.NoError(t, s.Fail("p", "f"))
	require.NoError(t, s.UpdateMessageState("p", "s", StateSeen))

	m, err := s.Acknowledge("p", "f", protocol.Message{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateFailed, m.State)

	m, err = s.Acknowledge("p", "s", protocol.Message{})
	require.NoError(t, err)
	assert.Equal(t, StateSeen, m.State)
}

func TestStoreUpdateMissing(t *testing.T) {
	s := NewStore()
	assert.ErrorIs(t, s.UpdateMessageState("p", "1", StateDelivered), ErrMessageNotFound)
	s.Append("p", Profile{ID: "p"}, Message{ID: "1", State: StatePending})
	assert.ErrorIs(t, s.UpdateMessageState("p", "2", StateDelivered), ErrMessageNotFound)
}

func TestStoreSeedOnce(t *testing.T) {
	s := NewStore()
	p := Profile{ID: "p", Name: "Pat"}
	history := []Message{{ID: "1"}, {ID: "2"}, {ID: "1"}}

	assert.True(t, s.Seed(p, history))
	assert.False(t, s.Seed(p, history))

	conv, _ := s.Conversation("p")
	assert.Len(t, conv.Messages, 2)

	s.EnsureConversation(Profile{ID: "q"})
	assert.True(t, s.Seed(Profile{ID: "q", Name: "Quinn"}, []Message{{ID: "9"}}))
	partner, _ := s.Partner("q")
	assert.Equal(t, "Quinn", partner.Name)
}

func TestStoreSeedMergesAheadOfLiveMessages(t *testing.T) {
	s := NewStore()
	p := Profile{ID: "p", Name: "Pat"}
	// arrived while history was in flight
	s.Append("p", Profile{ID: "p"}, Message{ID: "new", FromID: "p", State: StateDelivered})
	s.Append("p", Profile{ID: "p"}, Message{ID: "h2", FromID: "p", State: StateSeen})
	assert.False(t, s.Seeded("p"))

	history := []Message{
		{ID: "h1", FromID: "u", State: StateDelivered, Confirmed: true},
		{ID: "h2", FromID: "p", State: StateDelivered, Confirmed: true},
	}
	require.True(t, s.Seed(p, history))
	assert.True(t, s.Seeded("p"))

	conv, _ := s.Conversation("p")
	var ids []string
	for _, m := range conv.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"h1", "h2", "new"}, ids)
	assert.Equal(t, StateSeen, conv.Messages[1].State, "live entry wins over the fetched copy")
	assert.Equal(t, "Pat", conv.Partner.Name)

	assert.False(t, s.Seed(p, []Message{{ID: "h0"}}))
	conv, _ = s.Conversation("p")
	assert.Len(t, conv.Messages, 3)

	s.Reset()
	assert.False(t, s.Seeded("p"))
}

func TestStoreEnsureKeepsExisting(t *testing.T) {
	s := NewStore()
	s.Append("p", Profile{ID: "p", Name: "Pat"}, Message{ID: "1"})
	conv := s.EnsureConversation(Profile{ID: "p", Name: "Other"})
	assert.Equal(t, "Pat", conv.Partner.Name)
	assert.Len(t, conv.Messages, 1)
}

func TestStoreMarkIncomingSeen(t *testing.T) {
	s := NewStore()
	p := Profile{ID: "p"}
	s.Append("p", p, Message{ID: "in1", FromID: "p", State: StateDelivered})
	s.Append("p", p, Message{ID: "out", FromID: "u", State: StateDelivered})
	s.Append("p", p, Message{ID: "in2", FromID: "p", State: StateDelivered})

	assert.Equal(t, []string{"in1", "in2"}, s.MarkIncomingSeen("p"))
	assert.Empty(t, s.MarkIncomingSeen("p"))
	assert.Nil(t, s.MarkIncomingSeen("nobody"))

	m, _ := s.Message("p", "out")
	assert.Equal(t, StateDelivered, m.State)
}

func TestStoreOrderAndReset(t *testing.T) {
	s := NewStore()
	s.Append("b", Profile{ID: "b"}, Message{ID: "1"})
	s.Append("a", Profile{ID: "a"}, Message{ID: "2"})
	s.Append("b", Profile{ID: "b"}, Message{ID: "3"})

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "b", convs[0].Partner.ID)
	assert.Equal(t, "a", convs[1].Partner.ID)
	assert.True(t, s.Has("a"))

	s.Reset()
	assert.Empty(t, s.Conversations())
	assert.False(t, s.Has("a"))
}
