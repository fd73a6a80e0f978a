// Package directory reads profiles and message history from the broker's
// HTTP API.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/pelusa-v/forumchat/internal/protocol"
)

var ErrBadStatus = errors.New("directory: unexpected status")

// Client implements chat.Directory over the broker's REST routes.
type Client struct {
	base    string
	timeout time.Duration
	http    *fasthttp.Client
}

// New returns a client for the broker at baseURL (http or https).
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("directory: unsupported scheme %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		base:    strings.TrimSuffix(baseURL, "/"),
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "forumchat",
			MaxConnsPerHost:     8,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}, nil
}

// WithHTTPClient swaps the transport; tests dial an in-memory listener with it.
func (c *Client) WithHTTPClient(hc *fasthttp.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) FetchUserProfile(ctx context.Context, id string) (protocol.Profile, error) {
	var p protocol.Profile
	err := c.get(ctx, "/api/users/"+url.PathEscape(id), &p)
	return p, err
}

// FetchConversationHistory returns every conversation of userID keyed by partner id.
func (c *Client) FetchConversationHistory(ctx context.Context, userID string) (map[string]protocol.History, error) {
	out := map[string]protocol.History{}
	err := c.get(ctx, "/api/chats/"+url.PathEscape(userID), &out)
	return out, err
}

// FetchMessages returns the messages exchanged by userID and partnerID, oldest first.
func (c *Client) FetchMessages(ctx context.Context, userID, partnerID string) ([]protocol.Message, error) {
	var out []protocol.Message
	err := c.get(ctx, "/api/chats/"+url.PathEscape(userID)+"/"+url.PathEscape(partnerID), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, into any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("directory: GET %s: %w", path, err)
	}

	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusNotFound:
		return fmt.Errorf("GET %s: %w", path, protocol.ErrNotFound)
	case code != fasthttp.StatusOK:
		return fmt.Errorf("%w: GET %s: %d", ErrBadStatus, path, code)
	}
	if err := json.Unmarshal(resp.Body(), into); err != nil {
		return fmt.Errorf("directory: decode %s: %w", path, err)
	}
	return nil
}
