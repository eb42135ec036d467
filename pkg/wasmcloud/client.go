package wasmcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/wasmkube/vk-wasmcloud-provider/pkg/models"
)

// Client wraps the wasmCloud host control HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Config holds control API client configuration.
type Config struct {
	ControlURL string
	Timeout    time.Duration
	// MaxAttempts bounds total tries per call for transient failures
	// (1 means no retry).
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NewClient creates a new wasmCloud control API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ControlURL == "" {
		return nil, fmt.Errorf("wasmCloud control URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 8 * time.Second
	}

	return &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		baseURL:        cfg.ControlURL,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}, nil
}

// Ping checks that the wasmCloud host control API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.NewRuntimeError(models.RuntimeUnreachable, "ping",
			fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

// do issues a single request. Connection errors and timeouts are returned
// as RuntimeUnreachable; HTTP-level outcomes are left to the caller.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.NewRuntimeError(models.RuntimeUnreachable, method+" "+path, err)
	}
	return resp, nil
}

// retry runs op with bounded exponential backoff, retrying only transient
// failures. Cancelling ctx (a Pod delete cancels its reconciliation
// context) aborts a pending backoff immediately.
func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initialBackoff
	bo.MaxInterval = c.maxBackoff
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !models.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func decodeJSON(resp *http.Response, out interface{}) error {
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// errorBody extracts the error message the host returns on failures.
func errorBody(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, string(raw))
}
