// Package client talks to a livescribe server over its /api/v1 surface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snarg/livescribe/internal/session"
)

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// Client is safe for concurrent use.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New creates a client for the server at baseURL (e.g. http://localhost:8080).
func New(baseURL, token string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	return &Client{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// List returns every session, newest first. An unreachable server or store
// yields an error wrapping session.ErrUnavailable; an empty store yields an
// empty slice.
func (c *Client) List(ctx context.Context) ([]session.Session, error) {
	var body struct {
		Sessions []session.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/sessions", nil, &body); err != nil {
		return nil, err
	}
	if body.Sessions == nil {
		body.Sessions = []session.Session{}
	}
	return body.Sessions, nil
}

// Get returns the session with device session id sessionID.
func (c *Client) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	return c.sessionCall(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID))
}

// Active returns the most recently started active session.
func (c *Client) Active(ctx context.Context) (*session.Session, error) {
	return c.sessionCall(ctx, http.MethodGet, "/api/v1/sessions/active")
}

// Complete marks the session completed.
func (c *Client) Complete(ctx context.Context, sessionID string) (*session.Session, error) {
	return c.sessionCall(ctx, http.MethodPost, "/api/v1/sessions/"+url.PathEscape(sessionID)+"/complete")
}

// Upsert appends a transcript chunk to the session, creating it if needed,
// and returns the record id.
func (c *Client) Upsert(ctx context.Context, p session.UpsertParams) (string, error) {
	in := map[string]any{
		"session_id":    p.SessionID,
		"user_id":       p.UserID,
		"transcript":    p.Chunk,
		"title":         p.Title,
		"replace_title": p.ReplaceTitle,
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", in, &body); err != nil {
		return "", err
	}
	return body.ID, nil
}

// Remove deletes the session with record id id and reports whether it existed.
func (c *Client) Remove(ctx context.Context, id string) (bool, error) {
	var body struct {
		Deleted bool `json:"deleted"`
	}
	if err := c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(id), nil, &body); err != nil {
		return false, err
	}
	return body.Deleted, nil
}

func (c *Client) sessionCall(ctx context.Context, method, path string) (*session.Session, error) {
	var body struct {
		Session *session.Session `json:"session"`
	}
	if err := c.do(ctx, method, path, nil, &body); err != nil {
		return nil, err
	}
	if body.Session == nil {
		return nil, fmt.Errorf("%s %s: empty response", method, path)
	}
	return body.Session, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reqBody)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", session.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e apiError
		json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = resp.Status
		}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", method, path, session.ErrNotFound)
		case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %s", session.ErrUnavailable, msg)
		case http.StatusUnauthorized:
			return ErrUnauthorized
		default:
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
