// Package client talks to the local API of a running "sidecar serve".
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:17800/api"

// Client provides typed access to the sidecar API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration. The timeout covers a
// full start of the weather service.
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 60 * time.Second,
	}
}

func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// BaseURL returns the normalized API root.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the supervisor API answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, _, err := c.do(ctx, http.MethodGet, "/platform")
	if err != nil {
		c.logger.Debug("sidecar API unreachable", "error", err)
		return false
	}
	return resp.StatusCode == http.StatusOK
}

// Status runs one health check; the server starts the service when it is down.
func (c *Client) Status(ctx context.Context) (Result, error) {
	var r Result
	err := c.getJSON(ctx, "/status", &r)
	return r, err
}

// Weather returns the weather envelope verbatim.
func (c *Client) Weather(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/weather")
}

func (c *Client) Start(ctx context.Context) (Result, error) { return c.post(ctx, "/start") }

func (c *Client) Stop(ctx context.Context) (Result, error) { return c.post(ctx, "/stop") }

func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.getJSON(ctx, "/snapshot", &s)
	return s, err
}

func (c *Client) Platform(ctx context.Context) (Platform, error) {
	var p Platform
	err := c.getJSON(ctx, "/platform", &p)
	return p, err
}

// History returns up to limit recent lifecycle events; limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var events []Event
	err := c.getJSON(ctx, path, &events)
	return events, err
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	resp, body, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp.StatusCode, body)
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// post decodes the envelope for 200 and 503 replies alike; a failed start is
// a Result, not a transport error.
func (c *Client) post(ctx context.Context, path string) (Result, error) {
	var r Result
	resp, body, err := c.do(ctx, http.MethodPost, path)
	if err != nil {
		return r, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return r, c.apiError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return r, fmt.Errorf("decode response: %w", err)
	}
	return r, nil
}

func (c *Client) apiError(code int, body []byte) error {
	var errorResp ErrorResponse
	if json.Unmarshal(body, &errorResp) == nil && errorResp.Error != "" {
		c.logger.Debug("API request failed", "error", errorResp.Error, "status", code)
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	return fmt.Errorf("API error: HTTP %d", code)
}
