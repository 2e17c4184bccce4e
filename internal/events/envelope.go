// Package events turns the Agent API event stream into an ordered,
// deduplicated local pipeline and fans it out to sinks.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hollis-dev/agentbridge/internal/stream"
)

// Event types seen on the Agent API stream. Anything unrecognized is
// carried through as TypeOther.
const (
	TypeMessageUpdate = "message_update"
	TypeStatusChange  = "status_change"
	TypeScreenUpdate  = "screen_update"
	TypeOther         = "other"
)

// Envelope is one event in the pipeline.
type Envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Payload   string    `json:"payload"`
	StreamID  int64     `json:"stream_id"` // numeric SSE id, -1 when absent
	Timestamp time.Time `json:"timestamp"`
}

// FromStreamEvent wraps a raw SSE frame in an Envelope.
func FromStreamEvent(ev stream.Event) Envelope {
	typ := ev.Type
	switch typ {
	case TypeMessageUpdate, TypeStatusChange, TypeScreenUpdate:
	case "message":
		// Untyped frames from older servers carry message updates.
		typ = TypeMessageUpdate
	default:
		typ = TypeOther
	}

	streamID := int64(-1)
	if ev.ID != "" {
		if n, err := strconv.ParseInt(ev.ID, 10, 64); err == nil {
			streamID = n
		}
	}

	return Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   ev.Data,
		StreamID:  streamID,
		Timestamp: time.Now(),
	}
}

// Synthetic builds an envelope from a poller or seed rather than the
// SSE stream.
func Synthetic(typ string, payload any) Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", payload))
	}
	return Envelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   string(b),
		StreamID:  -1,
		Timestamp: time.Now(),
	}
}

// dedupKey identifies an envelope for duplicate suppression. The key
// shape depends on the event type:
//
//   - message_update: message id + content hash, so edits to the same
//     message still flow;
//   - status_change: status value + timestamp rounded to 1s, collapsing
//     poller/stream races on the same transition;
//   - everything else: content hash + timestamp rounded to 100ms.
func (e Envelope) dedupKey() string {
	switch e.Type {
	case TypeMessageUpdate:
		var msg struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal([]byte(e.Payload), &msg)
		content := msg.Content
		if content == "" {
			content = msg.Message
		}
		id := msg.ID
		if id == 0 && e.StreamID >= 0 {
			id = int(e.StreamID)
		}
		return fmt.Sprintf("msg:%d:%s", id, contentHash(content))
	case TypeStatusChange:
		var sc struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal([]byte(e.Payload), &sc)
		return fmt.Sprintf("status:%s:%d", sc.Status, e.Timestamp.Truncate(time.Second).UnixNano())
	default:
		return fmt.Sprintf("%s:%s:%d", e.Type, contentHash(e.Payload),
			e.Timestamp.Truncate(100*time.Millisecond).UnixNano())
	}
}

func unmarshalPayload(payload string, out any) error {
	return json.Unmarshal([]byte(payload), out)
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
