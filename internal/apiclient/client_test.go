package apiclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hollis-dev/agentbridge/internal/config"
)

func testRetry() config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts: 3,
		Initial:     time.Millisecond,
		Max:         5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0,
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 2*time.Second, testRetry())
}

func TestStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, `{"status":"stable","agentType":"claude"}`)
	}))

	info, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if info.Status != "stable" || info.AgentType != "claude" {
		t.Errorf("unexpected status %+v", info)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"status":"running"}`)
	}))

	info, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("expected retries to recover: %v", err)
	}
	if info.Status != "running" {
		t.Errorf("unexpected status %+v", info)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such agent", http.StatusNotFound)
	}))

	_, err := c.Status(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", apiErr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("4xx should not retry, got %d calls", got)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.Status(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("expected wrapped APIError 502, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestSendMessage(t *testing.T) {
	var gotBody string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/message" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.SendMessage(context.Background(), "hello", MessageTypeUser); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if gotBody != `{"content":"hello","type":"user"}` {
		t.Errorf("unexpected body %q", gotBody)
	}
}

func TestSendMessageRejectsBadType(t *testing.T) {
	c := New("http://localhost:0", time.Second, testRetry())
	err := c.SendMessage(context.Background(), "x", "system")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError for invalid type, got %v", err)
	}
}

func TestOpenStreamNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no screen stream", http.StatusNotFound)
	}))

	_, err := c.OpenStream(context.Background(), "/internal/screen", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}

func TestOpenStreamPassesResumeToken(t *testing.T) {
	var gotHeader, gotQuery string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Last-Event-ID")
		gotQuery = r.URL.Query().Get("lastEventId")
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: ok\n\n")
	}))

	body, err := c.OpenStream(context.Background(), "/events", "42")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	body.Close()

	if gotHeader != "42" {
		t.Errorf("Last-Event-ID header = %q, want 42", gotHeader)
	}
	if gotQuery != "42" {
		t.Errorf("lastEventId query = %q, want 42", gotQuery)
	}
}

func TestFingerprintMessages(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
		want config.AgentType
	}{
		{
			name: "ClaudeGreeting",
			msgs: []Message{{Role: "agent", Content: "Hi, I'm Claude, made by Anthropic."}},
			want: config.AgentClaude,
		},
		{
			name: "GoosePrompt",
			msgs: []Message{{Role: "agent", Content: "( O)> waiting for input"}},
			want: config.AgentGoose,
		},
		{
			name: "NewestWins",
			msgs: []Message{
				{Role: "agent", Content: "aider session started"},
				{Role: "agent", Content: "codex ready"},
			},
			want: config.AgentCodex,
		},
		{
			name: "UserMessagesIgnored",
			msgs: []Message{{Role: "user", Content: "are you claude?"}},
			want: "",
		},
		{
			name: "NoMatch",
			msgs: []Message{{Role: "agent", Content: "task complete"}},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fingerprintMessages(tt.msgs); got != tt.want {
				t.Errorf("fingerprintMessages = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectAgentTypeFromStatus(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			io.WriteString(w, `{"status":"stable","agentType":"goose"}`)
		default:
			http.NotFound(w, r)
		}
	}))

	got, err := c.DetectAgentType(context.Background(), false)
	if err != nil {
		t.Fatalf("DetectAgentType: %v", err)
	}
	if got != config.AgentGoose {
		t.Errorf("got %q, want goose", got)
	}
}

func TestDetectAgentTypeFromMessages(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			io.WriteString(w, `{"status":"stable"}`)
		case "/messages":
			io.WriteString(w, `{"messages":[{"id":1,"role":"agent","content":"aider v0.50 ready"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))

	got, err := c.DetectAgentType(context.Background(), false)
	if err != nil {
		t.Fatalf("DetectAgentType: %v", err)
	}
	if got != config.AgentAider {
		t.Errorf("got %q, want aider", got)
	}
}
