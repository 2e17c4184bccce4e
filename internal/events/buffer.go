package events

import (
	"sort"
	"sync"
)

// Buffer is a bounded, deduplicating event buffer. When full, the oldest
// entry is dropped to make room. Drain returns everything accumulated so
// far in dispatch order.
type Buffer struct {
	mu      sync.Mutex
	entries []Envelope
	cap     int

	seen      map[string]struct{}
	seenOrder []string
	seenCap   int

	dropped uint64
}

// NewBuffer creates a buffer holding at most capacity events. Dedup
// memory is bounded at 2x capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Buffer{
		cap:     capacity,
		seen:    make(map[string]struct{}),
		seenCap: capacity * 2,
	}
}

// Push adds an envelope unless it is a duplicate. Reports whether the
// envelope was accepted.
func (b *Buffer) Push(e Envelope) bool {
	key := e.dedupKey()

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seen[key]; dup {
		return false
	}
	b.remember(key)

	if len(b.entries) >= b.cap {
		// Drop the oldest to keep the window moving.
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
		b.dropped++
	}
	b.entries = append(b.entries, e)
	return true
}

// Drain removes and returns all buffered envelopes in dispatch order:
// status changes first (newest first), then message updates ascending by
// stream id, then everything else newest first. Ties break on timestamp.
func (b *Buffer) Drain() []Envelope {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return dispatchLess(entries[i], entries[j])
	})
	return entries
}

// Len returns the number of buffered envelopes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped returns how many envelopes were discarded to overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Buffer) remember(key string) {
	if len(b.seenOrder) >= b.seenCap {
		evict := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seen, evict)
	}
	b.seen[key] = struct{}{}
	b.seenOrder = append(b.seenOrder, key)
}

func classRank(typ string) int {
	switch typ {
	case TypeStatusChange:
		return 0
	case TypeMessageUpdate:
		return 1
	default:
		return 2
	}
}

func dispatchLess(a, b Envelope) bool {
	ra, rb := classRank(a.Type), classRank(b.Type)
	if ra != rb {
		return ra < rb
	}
	switch ra {
	case 0, 2:
		// Newest first.
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}
		return a.StreamID > b.StreamID
	default:
		// Message updates replay in stream order.
		if a.StreamID != b.StreamID {
			return a.StreamID < b.StreamID
		}
		return a.Timestamp.Before(b.Timestamp)
	}
}
