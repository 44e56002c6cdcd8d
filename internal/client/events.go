package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/snarg/livescribe/internal/session"
)

// Event is one session change pushed by the server.
type Event struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"event_type"`
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Session   session.Session `json:"data"`
}

// Deleted reports whether the event removes Session.
func (e Event) Deleted() bool { return e.Type == "session_deleted" }

// Subscribe opens the server's WebSocket event feed. Events arrive on the
// returned channel until ctx is cancelled or the connection drops; the
// channel is then closed. lastEventID, when set, replays buffered events
// published after it.
func (c *Client) Subscribe(ctx context.Context, lastEventID string) (<-chan Event, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/events/ws"
	if lastEventID != "" {
		u.RawQuery = url.Values{"last_event_id": {lastEventID}}.Encode()
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	out := make(chan Event, 16)
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var e Event
			if err := json.Unmarshal(data, &e); err != nil {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
