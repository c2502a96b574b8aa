// Package client talks to a running warden daemon over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL matches the daemon's default listen address and base path.
const DefaultBaseURL = "http://127.0.0.1:8080/api"

// Client provides HTTP client functionality to communicate with the warden daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	// Timeout bounds each call; start and restart may wait out the backend's
	// readiness window, so keep it above that.
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 90 * time.Second,
	}
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// New creates a client. Zero fields take DefaultConfig values.
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

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var out map[string]bool
	err := c.do(ctx, http.MethodGet, "/running", &out)
	c.logger.Debug("Daemon reachability check", "reachable", err == nil, "error", err)
	return err == nil
}

// Status returns the process record, or nil if the backend was never started.
func (c *Client) Status(ctx context.Context) (*Record, error) {
	var rec *Record
	if err := c.do(ctx, http.MethodGet, "/status", &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Running reports whether the backend is alive and healthy.
func (c *Client) Running(ctx context.Context) (bool, error) {
	var out struct {
		Running bool `json:"running"`
	}
	err := c.do(ctx, http.MethodGet, "/running", &out)
	return out.Running, err
}

// Backend returns the backend status summary.
func (c *Client) Backend(ctx context.Context) (BackendStatus, error) {
	var out BackendStatus
	err := c.do(ctx, http.MethodGet, "/backend", &out)
	return out, err
}

// Resources returns recent resource samples of the backend.
func (c *Client) Resources(ctx context.Context) ([]Sample, error) {
	var out []Sample
	err := c.do(ctx, http.MethodGet, "/backend/resources", &out)
	return out, err
}

// Start launches the backend and waits for it to become ready.
func (c *Client) Start(ctx context.Context) (Response, error) { return c.post(ctx, "/start") }

// Stop stops the backend gracefully.
func (c *Client) Stop(ctx context.Context) (Response, error) { return c.post(ctx, "/stop") }

// Restart stops and starts the backend.
func (c *Client) Restart(ctx context.Context) (Response, error) { return c.post(ctx, "/restart") }

// ForceKill hard-kills the backend.
func (c *Client) ForceKill(ctx context.Context) (Response, error) { return c.post(ctx, "/force-kill") }

// StartMonitoring enables automatic recovery.
func (c *Client) StartMonitoring(ctx context.Context) (Response, error) {
	return c.post(ctx, "/monitoring/start")
}

// StopMonitoring disables automatic recovery.
func (c *Client) StopMonitoring(ctx context.Context) (Response, error) {
	return c.post(ctx, "/monitoring/stop")
}

func (c *Client) post(ctx context.Context, path string) (Response, error) {
	var out Response
	err := c.do(ctx, http.MethodPost, path, &out)
	return out, err
}

// do performs the request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, out any) error {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
