// Package transport implements the HTTP client side of the sync
// contract: POST /sync/push for batched mutations and GET /sync/pull
// for remote changes since a cursor.
//
// The client maps the server's responses onto the engine's error
// taxonomy: a whole-request failure (timeout, connection error,
// non-2xx batch response) is transient; per-item outcomes arrive in
// the response body and carry their own status.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	syncpkg "github.com/reliefops/fieldsync/internal/sync"
)

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the sync server root, e.g. "https://relief.example.org/api".
	BaseURL string

	// RequestTimeout bounds a single push or pull call. On expiry the
	// call fails as a transient error (default: 30s).
	RequestTimeout time.Duration

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// Logger for request activity.
	Logger *log.Logger
}

// Client talks to the sync server. It implements sync.Transport.
type Client struct {
	config *Config
	http   *http.Client
}

// New creates a client for the given server. Passing a nil config uses
// defaults; BaseURL must still be set before the client is useful.
func New(config *Config) *Client {
	if config == nil {
		config = &Config{}
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.RequestTimeout},
	}
}

type pushRequest struct {
	Items []syncpkg.PushItem `json:"items"`
}

type pushResponse struct {
	Results []syncpkg.PushResult `json:"results"`
}

// Push sends a batch of mutations to POST /sync/push.
func (c *Client) Push(ctx context.Context, items []syncpkg.PushItem) ([]syncpkg.PushResult, error) {
	body, err := json.Marshal(pushRequest{Items: items})
	if err != nil {
		return nil, fmt.Errorf("failed to encode push batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create push request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("push rejected with status %d: %s", resp.StatusCode, snippet)
	}

	var out pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode push response: %w", err)
	}

	c.config.Logger.Printf("pushed %d items, %d results", len(items), len(out.Results))
	return out.Results, nil
}

type pullResponse struct {
	Changes    []syncpkg.PullChange `json:"changes"`
	NextCursor string               `json:"nextCursor"`
}

// Pull fetches entity changes since the given cursor from
// GET /sync/pull?since=<cursor>.
func (c *Client) Pull(ctx context.Context, since string) ([]syncpkg.PullChange, string, error) {
	u := c.config.BaseURL + "/sync/pull"
	if since != "" {
		u += "?since=" + url.QueryEscape(since)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create pull request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("pull request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("pull rejected with status %d: %s", resp.StatusCode, snippet)
	}

	var out pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("failed to decode pull response: %w", err)
	}

	c.config.Logger.Printf("pulled %d changes", len(out.Changes))
	return out.Changes, out.NextCursor, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
}
