// Package logring captures recent log records in a fixed-size ring so
// the detailed health response can serve a log tail without touching
// the rotated files on disk.
package logring

import (
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured record.
type LogEntry struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// RingBuffer holds the last Cap() entries. Safe for concurrent use;
// writers overwrite the oldest entry once the ring is full.
type RingBuffer struct {
	mu      sync.RWMutex
	buf     []LogEntry
	next    int // write index
	wrapped bool
}

// NewRingBuffer creates a ring holding up to capacity entries.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]LogEntry, capacity)}
}

// Add stores an entry, displacing the oldest when the ring is full.
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	rb.buf[rb.next] = entry
	rb.next++
	if rb.next == len(rb.buf) {
		rb.next = 0
		rb.wrapped = true
	}
	rb.mu.Unlock()
}

// Entries returns up to limit entries at or above minLevel and not
// before since, newest first. limit <= 0 means no limit; a zero since
// disables the time filter.
func (rb *RingBuffer) Entries(limit int, minLevel slog.Level, since time.Time) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	n := rb.lenLocked()
	var out []LogEntry
	for i := 1; i <= n; i++ {
		if limit > 0 && len(out) == limit {
			break
		}
		e := rb.buf[(rb.next-i+len(rb.buf))%len(rb.buf)]
		if e.Level < minLevel {
			continue
		}
		if !since.IsZero() && e.Time.Before(since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of entries currently held.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.lenLocked()
}

func (rb *RingBuffer) lenLocked() int {
	if rb.wrapped {
		return len(rb.buf)
	}
	return rb.next
}

// Cap returns the ring capacity.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}
