package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hollis-dev/agentbridge/internal/apiclient"
	"github.com/hollis-dev/agentbridge/internal/config"
	"github.com/hollis-dev/agentbridge/internal/logging"
	"github.com/hollis-dev/agentbridge/internal/stream"
)

// Sink receives dispatched envelopes. Dispatch errors are logged and do
// not stop the pipeline.
type Sink interface {
	Name() string
	Dispatch(ctx context.Context, e Envelope) error
}

// task is one restartable background stream pump.
type task struct {
	client *stream.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) dead() bool {
	if t == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Bridge pumps Agent API events through the buffer into sinks. It keeps
// the SSE stream alive, falls back to polling when the stream is down,
// and emits a heartbeat so consumers can tell the pipeline is healthy.
type Bridge struct {
	api    *apiclient.Client
	cfg    config.BridgeConfig
	retry  config.RetryConfig
	logger *slog.Logger

	buffer      *Buffer
	sinks       []Sink
	screenSinks []Sink

	mu             sync.Mutex
	main           *task
	screen         *task
	screenDisabled bool
	lastStatus     string
	lastMessageID  int

	wg sync.WaitGroup
}

// NewBridge wires a bridge to one Agent API client.
func NewBridge(api *apiclient.Client, cfg config.BridgeConfig, retry config.RetryConfig) *Bridge {
	return &Bridge{
		api:    api,
		cfg:    cfg,
		retry:  retry,
		logger: logging.With("component", "bridge"),
		buffer: NewBuffer(cfg.BufferSize),
	}
}

// AddSink registers a sink for the main event channel.
func (b *Bridge) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// AddScreenSink registers a sink for terminal screen updates.
func (b *Bridge) AddScreenSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.screenSinks = append(b.screenSinks, s)
}

// Dropped reports how many events were lost to buffer overflow.
func (b *Bridge) Dropped() uint64 { return b.buffer.Dropped() }

// Run starts the pipeline and blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.seedInitialState(ctx)

	b.startMain(ctx)
	if b.cfg.ScreenStream {
		b.startScreen(ctx)
	}

	b.wg.Add(3)
	go b.dispatchLoop(ctx)
	go b.pollLoop(ctx)
	go b.healthLoop(ctx)

	<-ctx.Done()
	b.wg.Wait()

	b.mu.Lock()
	for _, t := range []*task{b.main, b.screen} {
		if t != nil {
			t.cancel()
		}
	}
	b.mu.Unlock()
	return ctx.Err()
}

// seedInitialState pushes the current conversation and status into the
// buffer so consumers start from a complete picture.
func (b *Bridge) seedInitialState(ctx context.Context) {
	if info, err := b.api.Status(ctx); err == nil {
		b.mu.Lock()
		b.lastStatus = info.Status
		b.mu.Unlock()
		b.buffer.Push(Synthetic(TypeStatusChange, map[string]string{"status": info.Status}))
	} else {
		b.logger.Warn("initial status fetch failed", "error", err)
	}

	msgs, err := b.api.Messages(ctx)
	if err != nil {
		b.logger.Warn("initial message fetch failed", "error", err)
		return
	}
	for _, m := range msgs {
		b.buffer.Push(Synthetic(TypeMessageUpdate, m))
		if m.ID > b.lastMessageID {
			b.lastMessageID = m.ID
		}
	}
	b.logger.Info("seeded initial state", "messages", len(msgs))
}

func (b *Bridge) streamConfig(name string) stream.Config {
	return stream.Config{
		Name:        name,
		MaxAttempts: b.cfg.MaxReconnectAttempts,
		Initial:     b.retry.Initial,
		Max:         b.retry.Max,
		Multiplier:  b.retry.Multiplier,
		Jitter:      b.retry.Jitter,
	}
}

func (b *Bridge) startMain(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	client := stream.NewClient(func(ctx context.Context, last string) (io.ReadCloser, error) {
		return b.api.OpenEvents(ctx, last)
	}, b.streamConfig("events"))

	t := &task{client: client, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.main = t
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(t.done)
		if err := client.Run(runCtx, b.handleStreamEvent); err != nil && runCtx.Err() == nil {
			b.logger.Warn("event stream stopped", "error", err)
		}
	}()
}

// startScreen probes /internal/screen once before pumping. A 404 means
// this server build has no screen stream; retrying would never help, so
// it is disabled for the lifetime of the bridge.
func (b *Bridge) startScreen(ctx context.Context) {
	b.mu.Lock()
	if b.screenDisabled {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	probe, err := b.api.OpenScreen(ctx, "")
	if err != nil {
		var apiErr *apiclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			b.mu.Lock()
			b.screenDisabled = true
			b.mu.Unlock()
			b.logger.Info("screen stream unsupported by server, disabled")
			return
		}
		b.logger.Warn("screen stream probe failed", "error", err)
		return
	}
	probe.Close()

	runCtx, cancel := context.WithCancel(ctx)
	client := stream.NewClient(func(ctx context.Context, last string) (io.ReadCloser, error) {
		return b.api.OpenScreen(ctx, last)
	}, b.streamConfig("screen"))

	t := &task{client: client, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.screen = t
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(t.done)
		if err := client.Run(runCtx, b.handleScreenEvent); err != nil && runCtx.Err() == nil {
			b.logger.Warn("screen stream stopped", "error", err)
		}
	}()
}

// handleStreamEvent buffers a main-stream frame. Screen updates that
// arrive on the main stream are rerouted so they never reach the main
// channel.
func (b *Bridge) handleStreamEvent(ev stream.Event) error {
	e := FromStreamEvent(ev)
	if e.Type == TypeScreenUpdate {
		b.dispatchScreen(e)
		return nil
	}
	if e.Type == TypeStatusChange {
		b.recordStatus(e)
	}
	if e.Type == TypeMessageUpdate {
		b.recordMessageID(e)
	}
	b.buffer.Push(e)
	return nil
}

func (b *Bridge) handleScreenEvent(ev stream.Event) error {
	e := FromStreamEvent(ev)
	e.Type = TypeScreenUpdate
	b.dispatchScreen(e)
	return nil
}

func (b *Bridge) dispatchScreen(e Envelope) {
	b.mu.Lock()
	sinks := append([]Sink(nil), b.screenSinks...)
	b.mu.Unlock()
	for _, s := range sinks {
		if err := s.Dispatch(context.Background(), e); err != nil {
			b.logger.Warn("screen sink failed", "sink", s.Name(), "error", err)
		}
	}
}

// dispatchLoop drains the buffer on the poll cadence and fans envelopes
// out to the registered sinks in dispatch order.
func (b *Bridge) dispatchLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range b.buffer.Drain() {
				b.dispatch(ctx, e)
			}
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, e Envelope) {
	b.mu.Lock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()
	for _, s := range sinks {
		if err := s.Dispatch(ctx, e); err != nil {
			b.logger.Warn("sink dispatch failed", "sink", s.Name(), "type", e.Type, "error", err)
		}
	}
}

// pollLoop is the fallback path: while the SSE stream is down (or the
// server predates it), status transitions and new messages are observed
// by polling and synthesized into envelopes. Dedup in the buffer absorbs
// the overlap when both paths deliver.
func (b *Bridge) pollLoop(ctx context.Context) {
	defer b.wg.Done()
	interval := 200 * b.cfg.PollCadence // 5s at the default cadence
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollStatus(ctx)
			b.pollMessages(ctx)
		}
	}
}

func (b *Bridge) pollStatus(ctx context.Context) {
	info, err := b.api.Status(ctx)
	if err != nil {
		return
	}
	b.mu.Lock()
	changed := info.Status != b.lastStatus
	previous := b.lastStatus
	if changed {
		b.lastStatus = info.Status
	}
	b.mu.Unlock()

	if changed {
		b.buffer.Push(Synthetic(TypeStatusChange, map[string]string{
			"status":   info.Status,
			"previous": previous,
		}))
	}
}

func (b *Bridge) pollMessages(ctx context.Context) {
	msgs, err := b.api.Messages(ctx)
	if err != nil {
		return
	}
	b.mu.Lock()
	watermark := b.lastMessageID
	b.mu.Unlock()

	for _, m := range msgs {
		if m.ID <= watermark {
			continue
		}
		b.buffer.Push(Synthetic(TypeMessageUpdate, m))
		b.mu.Lock()
		if m.ID > b.lastMessageID {
			b.lastMessageID = m.ID
		}
		b.mu.Unlock()
	}
}

// healthLoop emits a heartbeat envelope and restarts stream tasks that
// died or went stale (no event for twice the heartbeat interval).
func (b *Bridge) healthLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.logger.Debug("heartbeat",
				"dropped", b.buffer.Dropped(), "buffered", b.buffer.Len())
			b.buffer.Push(Synthetic(TypeOther, map[string]any{
				"heartbeat": now.UTC().Format(time.RFC3339),
				"dropped":   b.buffer.Dropped(),
			}))
			b.checkStreams(ctx)
		}
	}
}

func (b *Bridge) checkStreams(ctx context.Context) {
	b.mu.Lock()
	main := b.main
	screen := b.screen
	screenWanted := b.cfg.ScreenStream && !b.screenDisabled
	b.mu.Unlock()

	staleAfter := 2 * b.cfg.HeartbeatInterval

	if main.dead() {
		b.logger.Warn("event stream task dead, restarting")
		b.startMain(ctx)
	} else if last := main.client.LastEventAt(); !last.IsZero() && time.Since(last) > staleAfter {
		b.logger.Warn("event stream stale, restarting", "last_event", last)
		main.cancel()
		b.startMain(ctx)
	}

	if screenWanted {
		if screen.dead() {
			b.logger.Debug("screen stream task dead, restarting")
			b.startScreen(ctx)
		} else if last := screen.client.LastEventAt(); !last.IsZero() && time.Since(last) > staleAfter {
			b.logger.Warn("screen stream stale, restarting", "last_event", last)
			screen.cancel()
			b.startScreen(ctx)
		}
	}
}

func (b *Bridge) recordStatus(e Envelope) {
	var sc struct {
		Status string `json:"status"`
	}
	if err := unmarshalPayload(e.Payload, &sc); err == nil && sc.Status != "" {
		b.mu.Lock()
		b.lastStatus = sc.Status
		b.mu.Unlock()
	}
}

func (b *Bridge) recordMessageID(e Envelope) {
	var msg struct {
		ID int `json:"id"`
	}
	if err := unmarshalPayload(e.Payload, &msg); err == nil && msg.ID > 0 {
		b.mu.Lock()
		if msg.ID > b.lastMessageID {
			b.lastMessageID = msg.ID
		}
		b.mu.Unlock()
	}
}
