// Package stream decodes Server-Sent Events and keeps a stream alive
// across disconnects with bounded, jittered reconnection.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hollis-dev/agentbridge/internal/logging"
)

// Event is one decoded SSE frame.
type Event struct {
	Type string // "message" when the frame has no event field
	ID   string
	Data string
}

// StreamError reports a stream that could not be kept alive.
type StreamError struct {
	Stream   string
	Attempts int
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream %s: gave up after %d attempts: %v", e.Stream, e.Attempts, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Scanner decodes SSE frames from a reader.
type Scanner struct {
	r *bufio.Reader
}

// NewScanner wraps a reader in an SSE decoder.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until a complete frame arrives. Frames without data are
// skipped. Returns io.EOF when the underlying stream ends.
func (s *Scanner) Next() (Event, error) {
	ev := Event{Type: "message"}
	var data []string

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 {
				// Keep-alive or fieldless frame.
				ev = Event{Type: "message"}
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / heartbeat
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		case "data":
			data = append(data, value)
		}
	}
}

// Opener establishes one connection attempt. lastEventID is the resume
// token, empty on the first connect.
type Opener func(ctx context.Context, lastEventID string) (io.ReadCloser, error)

// Config tunes reconnection.
type Config struct {
	Name        string // stream name for logs and errors
	MaxAttempts int    // consecutive failures before giving up
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	Jitter      float64
}

// Client reads a stream, reconnecting transparently. One event delivered
// resets the failure counter.
type Client struct {
	open   Opener
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	lastEventID string
	lastEventAt time.Time
}

// NewClient builds a reconnecting stream client.
func NewClient(open Opener, cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	return &Client{
		open:   open,
		cfg:    cfg,
		logger: logging.With("component", "stream", "stream", cfg.Name),
	}
}

// LastEventID returns the numeric resume watermark, empty if none seen.
func (c *Client) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// LastEventAt returns when the most recent event arrived.
func (c *Client) LastEventAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventAt
}

// Run pumps events into fn until ctx is done or reconnection gives up.
// fn returning an error stops the stream and propagates the error.
func (c *Client) Run(ctx context.Context, fn func(Event) error) error {
	failures := 0
	delay := c.cfg.Initial

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		body, err := c.open(ctx, c.LastEventID())
		if err != nil {
			failures++
			if failures >= c.cfg.MaxAttempts {
				return &StreamError{Stream: c.cfg.Name, Attempts: failures, Err: err}
			}
			c.logger.Warn("connect failed, backing off",
				"attempt", failures, "delay", delay, "error", err)
			if !sleepCtx(ctx, jittered(delay, c.cfg.Jitter)) {
				return ctx.Err()
			}
			delay = nextDelay(delay, c.cfg)
			continue
		}

		err = c.pump(ctx, body, fn, &failures)
		body.Close()

		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		// Stream ended; reconnect. A healthy run resets the backoff window.
		if failures == 0 {
			delay = c.cfg.Initial
		}
		failures++
		if failures >= c.cfg.MaxAttempts {
			return &StreamError{Stream: c.cfg.Name, Attempts: failures, Err: errors.New("stream closed")}
		}
		c.logger.Debug("stream ended, reconnecting", "attempt", failures, "delay", delay)
		if !sleepCtx(ctx, jittered(delay, c.cfg.Jitter)) {
			return ctx.Err()
		}
		delay = nextDelay(delay, c.cfg)
	}
}

// pump reads frames until the stream breaks. A delivered event resets the
// caller's failure count and the backoff window.
func (c *Client) pump(ctx context.Context, body io.ReadCloser, fn func(Event) error, failures *int) error {
	// Unblock the read when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-done:
		}
	}()

	sc := NewScanner(body)
	for {
		ev, err := sc.Next()
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.lastEventAt = time.Now()
		if _, numErr := strconv.ParseInt(ev.ID, 10, 64); numErr == nil && ev.ID != "" {
			c.lastEventID = ev.ID
		}
		c.mu.Unlock()
		*failures = 0

		if err := fn(ev); err != nil {
			return err
		}
	}
}

func nextDelay(d time.Duration, cfg Config) time.Duration {
	d = time.Duration(float64(d) * cfg.Multiplier)
	if d > cfg.Max {
		d = cfg.Max
	}
	return d
}

func jittered(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	spread := float64(d) * fraction
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
