package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client queries a running process's admin API over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a client for the admin API at addr. addr may be a bare
// host:port or a full http:// URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends a GET and returns the raw body and status.
func (c *Client) do(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return nil, 0, fmt.Errorf("%w at %s: %v", ErrNotRunning, c.baseURL, err)
		}
		return nil, 0, fmt.Errorf("admin API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// getJSON decodes the {"data": ...} envelope into target. okStatus lists
// the codes whose body is a data envelope.
func (c *Client) getJSON(ctx context.Context, path string, target any, okStatus ...int) (int, error) {
	data, status, err := c.do(ctx, path)
	if err != nil {
		return status, err
	}

	accepted := status < 400
	for _, s := range okStatus {
		if status == s {
			accepted = true
		}
	}
	if !accepted {
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return status, fmt.Errorf("admin API: %s", errResp.Error)
		}
		return status, fmt.Errorf("admin API returned HTTP %d", status)
	}

	var raw struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return status, fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(raw.Data, target); err != nil {
		return status, fmt.Errorf("failed to decode response data: %w", err)
	}
	return status, nil
}

// Status fetches the status envelope. Decode Detail according to Role.
func (c *Client) Status(ctx context.Context) (*RawStatus, error) {
	var st RawStatus
	if _, err := c.getJSON(ctx, PathStatus, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health returns nil when the process reports healthy, and an error
// wrapping ErrUnhealthy with the reported reason otherwise.
func (c *Client) Health(ctx context.Context) error {
	var h HealthResponse
	status, err := c.getJSON(ctx, PathHealth, &h, http.StatusServiceUnavailable)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrUnhealthy, h.Error)
	}
	return nil
}
