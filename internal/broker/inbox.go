package broker

import (
	"context"
	"sort"

	"github.com/pelusa-v/forumchat/internal/protocol"
)

// caller holds m.mu
func (m *Manager) ensureInbox(userID string) map[string]*ThreadPreview {
	box, ok := m.inbox[userID]
	if !ok {
		box = map[string]*ThreadPreview{}
		m.inbox[userID] = box
	}
	return box
}

// GetInbox returns userID's previews, most recent first.
func (m *Manager) GetInbox(userID string) []*ThreadPreview {
	m.mu.RLock()
	defer m.mu.RUnlock()
	box := m.inbox[userID]
	list := make([]*ThreadPreview, 0, len(box))
	for _, p := range box {
		cp := *p
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].LastTs > list[j].LastTs })
	return list
}

// MarkRead clears the unread counter of userID's thread with partnerID.
func (m *Manager) MarkRead(userID, partnerID string) {
	m.mu.Lock()
	p, ok := m.inbox[userID][partnerID]
	if ok {
		p.Unread = 0
	}
	m.mu.Unlock()
	if ok {
		m.pushInboxSignal(userID)
	}
}

// pushInboxSignal nudges every connection of userID to refresh its inbox.
// The frame carries no message body.
func (m *Manager) pushInboxSignal(userID string) {
	b, err := protocol.Encode(protocol.EventInbox, 0, &InboxSignal{Kind: "inbox_update"})
	if err != nil {
		return
	}
	for _, c := range m.connections(userID) {
		c.push(b)
	}
}

// onPrivateMessage updates both participants' previews.
func (m *Manager) onPrivateMessage(ctx context.Context, fromID, toID, body string, ts int64) {
	fromName := m.displayName(ctx, fromID)
	toName := m.displayName(ctx, toID)

	m.mu.Lock()
	m.ensureInbox(fromID)[toID] = &ThreadPreview{
		PartnerID: toID, Title: toName, LastBody: body, LastTs: ts, Unread: 0,
	}
	box := m.ensureInbox(toID)
	if prev, ok := box[fromID]; ok {
		prev.Title, prev.LastBody, prev.LastTs = fromName, body, ts
		prev.Unread++
	} else {
		box[fromID] = &ThreadPreview{
			PartnerID: fromID, Title: fromName, LastBody: body, LastTs: ts, Unread: 1,
		}
	}
	m.mu.Unlock()

	m.pushInboxSignal(fromID)
	m.pushInboxSignal(toID)
}
