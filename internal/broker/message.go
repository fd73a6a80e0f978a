package broker

import "github.com/pelusa-v/forumchat/internal/protocol"

type InboxSignal struct {
	Kind string `json:"kind"` // "inbox_update"
}

type ThreadPreview struct {
	PartnerID string `json:"partner_id"`
	Title     string `json:"title"`
	LastBody  string `json:"last_body"`
	LastTs    int64  `json:"last_ts"` // unix milliseconds
	Unread    int    `json:"unread"`
}

type InboxStore map[string]map[string]*ThreadPreview // user id -> partner id -> preview

// ClientJSON is one online user in the clients listing.
type ClientJSON struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Connections int    `json:"connections"`
}

// inbound is a frame read from a client, waiting for the hub loop.
type inbound struct {
	from *Client
	env  protocol.Envelope
}
