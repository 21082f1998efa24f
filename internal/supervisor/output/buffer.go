// Package output provides per-session ring buffers for captured CLI output.
// Lines are readable live (subscribers) and after completion (snapshots in the
// short-TTL store), with bounded memory per session.
package output

import (
	"sync"
	"time"
)

// ElisionMarker replaces runs of evicted lines when a buffer exceeds its cap.
const ElisionMarker = "[... earlier output elided ...]"

// defaultMaxLines bounds per-session memory. CLI agents routinely emit tens
// of thousands of lines on long builds; 10k keeps the tail that matters.
const defaultMaxLines = 10000

// Buffer is an append-only, memory-bounded sequence of output lines for one
// session. All methods are safe for concurrent use.
type Buffer struct {
	mu          sync.Mutex
	lines       []string
	maxLines    int
	elided      int // lines evicted so far
	total       int // lines ever appended
	dirty       bool
	closed      bool
	lastAppend  time.Time
	subscribers map[int]chan string
	nextSubID   int
}

// NewBuffer creates a buffer capped at maxLines. A non-positive cap selects
// the default.
func NewBuffer(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = defaultMaxLines
	}
	return &Buffer{
		maxLines:    maxLines,
		subscribers: make(map[int]chan string),
	}
}

// Append adds a line, evicting the oldest lines when over the cap, and
// delivers it to live subscribers. Slow subscribers are skipped rather than
// blocking the writer.
func (b *Buffer) Append(line string) {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		return
	}

	b.lines = append(b.lines, line)
	b.total++
	b.dirty = true
	b.lastAppend = time.Now().UTC()

	if len(b.lines) > b.maxLines {
		evict := len(b.lines) - b.maxLines
		b.lines = append([]string(nil), b.lines[evict:]...)
		b.elided += evict
	}

	subs := make([]chan string, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Lines returns a copy of the buffered lines in arrival order. When lines
// have been evicted, the first entry is the elision marker.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.linesLocked()
}

func (b *Buffer) linesLocked() []string {
	out := make([]string, 0, len(b.lines)+1)
	if b.elided > 0 {
		out = append(out, ElisionMarker)
	}
	return append(out, b.lines...)
}

// Total returns the number of lines ever appended, including evicted ones.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Subscribe returns a channel receiving lines appended after this call, and
// a cancel function that must be called to release the subscription.
func (b *Buffer) Subscribe() (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSubID
	b.nextSubID++
	ch := make(chan string, 256)
	b.subscribers[id] = ch

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// close marks the buffer complete and releases all subscribers.
func (b *Buffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}

// takeDirtySnapshot returns the current lines if the buffer changed since the
// last snapshot, clearing the dirty flag. Returns nil when clean.
func (b *Buffer) takeDirtySnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dirty {
		return nil
	}
	b.dirty = false
	return b.linesLocked()
}
