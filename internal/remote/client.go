package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the remote progress service.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client targeting baseURL (e.g. "https://sync.nomo.app").
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// LoadSnapshot fetches GET /v1/progress. It returns nil when the service
// has no record for this player yet.
func (c *Client) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	var s Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/progress", nil, &s); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// PushSnapshot sends PUT /v1/progress. The service keeps the maximum of
// what it has and what is sent.
func (c *Client) PushSnapshot(ctx context.Context, xp, level int) error {
	body := Snapshot{XP: xp, Level: level, UpdatedAt: time.Now().UTC()}
	return c.do(ctx, http.MethodPut, "/v1/progress", body, nil)
}

// RecordSession sends POST /v1/sessions.
func (c *Client) RecordSession(ctx context.Context, rec SessionRecord) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions", rec, nil)
}

// ListSessions fetches GET /v1/sessions, oldest first.
func (c *Client) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var out SessionList
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
