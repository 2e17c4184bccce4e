package events

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hollis-dev/agentbridge/internal/apiclient"
	"github.com/hollis-dev/agentbridge/internal/config"
)

type recordingSink struct {
	name string
	mu   sync.Mutex
	got  []Envelope
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Dispatch(_ context.Context, e Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
	return nil
}

func (s *recordingSink) byType(typ string) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, e := range s.got {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func testBridgeConfig() config.BridgeConfig {
	return config.BridgeConfig{
		BufferSize:           64,
		MaxReconnectAttempts: 3,
		HeartbeatInterval:    time.Hour, // keep the health loop quiet in tests
		PollCadence:          5 * time.Millisecond,
		ScreenStream:         true,
	}
}

func testRetryConfig() config.RetryConfig {
	return config.RetryConfig{MaxAttempts: 1, Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1.0}
}

// bridgeServer is a minimal Agent API double: fixed status and messages,
// a scripted /events stream, and no screen stream.
func bridgeServer(t *testing.T, sse string) *apiclient.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			io.WriteString(w, `{"status":"stable","agentType":"claude"}`)
		case "/messages":
			io.WriteString(w, `{"messages":[{"id":1,"role":"user","content":"hi"},{"id":2,"role":"agent","content":"hello from claude"}]}`)
		case "/events":
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, sse)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-r.Context().Done()
		case "/internal/screen":
			http.Error(w, "not found", http.StatusNotFound)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return apiclient.New(srv.URL, 2*time.Second, testRetryConfig())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBridgeSeedsAndStreams(t *testing.T) {
	sse := strings.Join([]string{
		"event: message_update",
		"id: 3",
		`data: {"id":3,"role":"agent","content":"streamed"}`,
		"",
		"event: status_change",
		"id: 4",
		`data: {"status":"running"}`,
		"", "",
	}, "\n")

	api := bridgeServer(t, sse)
	bridge := NewBridge(api, testBridgeConfig(), testRetryConfig())
	sink := &recordingSink{name: "rec"}
	bridge.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	go bridge.Run(ctx)
	defer cancel()

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byType(TypeMessageUpdate)) >= 3 && len(sink.byType(TypeStatusChange)) >= 2
	})

	msgs := sink.byType(TypeMessageUpdate)
	// Two seeded messages plus one streamed.
	if len(msgs) < 3 {
		t.Fatalf("messages dispatched = %d", len(msgs))
	}
	statuses := sink.byType(TypeStatusChange)
	if len(statuses) < 2 {
		t.Fatalf("status changes dispatched = %d", len(statuses))
	}
}

func TestBridgeScreenDisabledOn404(t *testing.T) {
	api := bridgeServer(t, "")
	bridge := NewBridge(api, testBridgeConfig(), testRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go bridge.Run(ctx)
	defer cancel()

	waitFor(t, 2*time.Second, func() bool {
		bridge.mu.Lock()
		defer bridge.mu.Unlock()
		return bridge.screenDisabled
	})
}

func TestBridgeRoutesScreenUpdatesOffMainChannel(t *testing.T) {
	sse := strings.Join([]string{
		"event: screen_update",
		"data: $ ls",
		"",
		"event: message_update",
		"id: 3",
		`data: {"id":3,"role":"agent","content":"done"}`,
		"", "",
	}, "\n")

	api := bridgeServer(t, sse)
	bridge := NewBridge(api, testBridgeConfig(), testRetryConfig())
	main := &recordingSink{name: "main"}
	screen := &recordingSink{name: "screen"}
	bridge.AddSink(main)
	bridge.AddScreenSink(screen)

	ctx, cancel := context.WithCancel(context.Background())
	go bridge.Run(ctx)
	defer cancel()

	waitFor(t, 2*time.Second, func() bool {
		return len(screen.byType(TypeScreenUpdate)) >= 1 &&
			len(main.byType(TypeMessageUpdate)) >= 3
	})

	if got := main.byType(TypeScreenUpdate); len(got) != 0 {
		t.Errorf("screen updates leaked onto the main channel: %d", len(got))
	}
}

func TestBridgeRestartsStaleScreenStream(t *testing.T) {
	var screenConns atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			io.WriteString(w, `{"status":"stable"}`)
		case "/messages":
			io.WriteString(w, `{"messages":[]}`)
		case "/events":
			w.Header().Set("Content-Type", "text/event-stream")
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-r.Context().Done()
		case "/internal/screen":
			// One frame, then silence: the stream goes stale.
			screenConns.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			io.WriteString(w, "event: screen_update\ndata: $\n\n")
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-r.Context().Done()
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testBridgeConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond // stale after 100ms

	api := apiclient.New(srv.URL, 2*time.Second, testRetryConfig())
	bridge := NewBridge(api, cfg, testRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go bridge.Run(ctx)
	defer cancel()

	// Availability check + first pump is two connections; a stale
	// restart adds two more.
	waitFor(t, 3*time.Second, func() bool {
		return screenConns.Load() >= 4
	})
}

func TestBridgePollerSynthesizesStatusChange(t *testing.T) {
	var mu sync.Mutex
	status := "stable"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			mu.Lock()
			s := status
			mu.Unlock()
			io.WriteString(w, `{"status":"`+s+`"}`)
		case "/messages":
			io.WriteString(w, `{"messages":[]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := testBridgeConfig()
	cfg.ScreenStream = false
	cfg.PollCadence = time.Millisecond // poll interval 200ms

	api := apiclient.New(srv.URL, 2*time.Second, testRetryConfig())
	bridge := NewBridge(api, cfg, testRetryConfig())
	sink := &recordingSink{name: "rec"}
	bridge.AddSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	go bridge.Run(ctx)
	defer cancel()

	waitFor(t, 2*time.Second, func() bool {
		return len(sink.byType(TypeStatusChange)) >= 1
	})

	mu.Lock()
	status = "running"
	mu.Unlock()

	waitFor(t, 3*time.Second, func() bool {
		for _, e := range sink.byType(TypeStatusChange) {
			if strings.Contains(e.Payload, `"running"`) {
				return true
			}
		}
		return false
	})
}
