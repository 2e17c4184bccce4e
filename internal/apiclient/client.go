// Package apiclient is an HTTP client for the Agent API server with
// bounded retries and typed errors.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/logging"
)

// APIError describes a non-success Agent API response.
type APIError struct {
	StatusCode int
	Message    string
	Context    map[string]any
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("agent api: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("agent api: %s", e.Message)
}

// StatusInfo is the /status response. Status is "running" while the agent
// is working and "stable" when idle. AgentType is set by newer servers.
type StatusInfo struct {
	Status    string `json:"status"`
	AgentType string `json:"agentType,omitempty"`
}

// Message is one conversation entry from /messages.
type Message struct {
	ID      int    `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Time    string `json:"time,omitempty"`
}

type messagesResponse struct {
	Messages []Message `json:"messages"`
}

// Message types accepted by POST /message.
const (
	MessageTypeUser = "user"
	MessageTypeRaw  = "raw"
)

// Client talks to one Agent API server.
type Client struct {
	baseURL string
	httpc   *http.Client
	streamc *http.Client // no overall timeout; streams are long-lived
	retry   config.RetryConfig
	logger  *slog.Logger
}

// New creates a client for the given base URL.
func New(baseURL string, timeout time.Duration, retry config.RetryConfig) *Client {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
		streamc: &http.Client{},
		retry:   retry,
		logger:  logging.With("component", "apiclient"),
	}
}

// BaseURL returns the configured Agent API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Status fetches the agent status.
func (c *Client) Status(ctx context.Context) (StatusInfo, error) {
	var info StatusInfo
	if err := c.getJSON(ctx, "/status", &info); err != nil {
		return StatusInfo{}, err
	}
	return info, nil
}

// Messages fetches the full conversation history.
func (c *Client) Messages(ctx context.Context) ([]Message, error) {
	var resp messagesResponse
	if err := c.getJSON(ctx, "/messages", &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage posts a message to the agent. Type is "user" or "raw".
func (c *Client) SendMessage(ctx context.Context, content, msgType string) error {
	if msgType != MessageTypeUser && msgType != MessageTypeRaw {
		return &APIError{Message: fmt.Sprintf("invalid message type %q", msgType)}
	}
	body, err := json.Marshal(map[string]string{"content": content, "type": msgType})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/message", body, nil)
}

// Ping reports whether the server answers at all. Any HTTP response below
// 500 counts as reachable. The latency of the probe is returned.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return time.Since(start), err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode >= 500 {
		return time.Since(start), &APIError{StatusCode: resp.StatusCode, Message: "server error on probe"}
	}
	return time.Since(start), nil
}

// OpenEvents opens the main event stream.
func (c *Client) OpenEvents(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
	return c.OpenStream(ctx, "/events", lastEventID)
}

// OpenScreen opens the terminal screen stream. Servers without it
// answer 404.
func (c *Client) OpenScreen(ctx context.Context, lastEventID string) (io.ReadCloser, error) {
	return c.OpenStream(ctx, "/internal/screen", lastEventID)
}

// OpenStream opens an SSE endpoint and returns the raw body. The caller
// owns the body and must close it. lastEventID, when non-empty, is passed
// both as the Last-Event-ID header and the lastEventId query parameter;
// Agent API builds have honored one or the other across versions.
func (c *Client) OpenStream(ctx context.Context, path, lastEventID string) (io.ReadCloser, error) {
	u := c.baseURL + path
	if lastEventID != "" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		u += sep + "lastEventId=" + url.QueryEscape(lastEventID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.streamc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body := readTail(resp.Body, 256)
		drainClose(resp.Body)
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("open stream %s: %s", path, body),
			Context:    map[string]any{"path": path},
		}
	}
	return resp.Body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// do runs a request with retries. Retryable failures are HTTP
// 429/500/502/503/504, timeouts and connection resets; any other 4xx
// fails immediately.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	delay := c.retry.Initial

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered(delay, c.retry.Jitter)):
			}
			delay = time.Duration(float64(delay) * c.retry.Multiplier)
			if delay > c.retry.Max {
				delay = c.retry.Max
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !retryableNetErr(err) {
				return fmt.Errorf("%s %s: %w", method, path, err)
			}
			lastErr = err
			c.logger.Debug("retryable request failure",
				"method", method, "path", path, "attempt", attempt, "error", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil {
				drainClose(resp.Body)
				return nil
			}
			err := json.NewDecoder(resp.Body).Decode(out)
			drainClose(resp.Body)
			if err != nil {
				return fmt.Errorf("decode %s response: %w", path, err)
			}
			return nil
		}

		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    readTail(resp.Body, 256),
			Context:    map[string]any{"method": method, "path": path},
		}
		drainClose(resp.Body)

		if !retryableStatus(resp.StatusCode) {
			return apiErr
		}
		lastErr = apiErr
		c.logger.Debug("retryable status",
			"method", method, "path", path, "status", resp.StatusCode, "attempt", attempt)
	}

	return fmt.Errorf("%s %s: %d attempts exhausted: %w", method, path, c.retry.MaxAttempts, lastErr)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryableNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "EOF")
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func readTail(r io.Reader, n int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return strings.TrimSpace(string(b))
}

func drainClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
