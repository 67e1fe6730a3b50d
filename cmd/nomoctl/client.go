package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nomo-app/backend/internal/progression"
)

// apiClient makes REST calls to the local nomo server.
type apiClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) Progress() (*progression.Snapshot, error) {
	var s progression.Snapshot
	if err := c.do(http.MethodGet, "/api/progress", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *apiClient) Session(minutes float64) (*progression.AwardResult, error) {
	var res progression.AwardResult
	if err := c.do(http.MethodPost, "/api/sessions", map[string]float64{"minutes": minutes}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *apiClient) Grant(amount int, reason string) (*progression.AwardResult, error) {
	body := map[string]any{"amount": amount, "reason": reason}
	var res progression.AwardResult
	if err := c.do(http.MethodPost, "/api/xp", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *apiClient) Travel(worldID string) (*progression.Snapshot, error) {
	var s progression.Snapshot
	if err := c.do(http.MethodPost, "/api/world", map[string]string{"worldId": worldID}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *apiClient) Reset() (*progression.Snapshot, error) {
	var s progression.Snapshot
	if err := c.do(http.MethodPost, "/api/reset", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *apiClient) Sync() error {
	return c.do(http.MethodPost, "/api/sync", nil, nil)
}

func (c *apiClient) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
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
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
