package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fasthttp/websocket"
)

// Dialer opens broker connections for a session user.
type Dialer struct {
	// BrokerURL is the http(s) base URL of the broker.
	BrokerURL        string
	HandshakeTimeout time.Duration
	// Queue is the outbound buffer of each connection.
	Queue int
}

// Connect dials <broker>/api/ws?id=<userID>. The returned connection is not
// started yet. An empty userID means an anonymous session and yields
// ErrNoSession without touching the network.
func (d *Dialer) Connect(ctx context.Context, userID string) (*Connection, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNoSession
	}
	endpoint, err := SocketURL(d.BrokerURL, userID)
	if err != nil {
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ws := &websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := ws.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewConnection(conn, userID, d.Queue), nil
}

// SocketURL turns the broker base URL into the websocket endpoint for userID.
func SocketURL(base, userID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/ws"
	u.RawQuery = url.Values{"id": {userID}}.Encode()
	return u.String(), nil
}
