// Package feed holds the in-process message plumbing between the Matrix sync
// task and the web layer: a bounded history buffer read by HTTP handlers and
// a multicast bus feeding live stream subscribers.
package feed

import (
	"sync"
)

// Buffer is a bounded, ordered buffer of formatted room messages.
// The sync callback appends; HTTP handlers read snapshots. Entries beyond
// the limit are evicted oldest-first, for live appends as well as backfill.
type Buffer struct {
	mu      sync.RWMutex
	limit   int
	entries []string
}

// NewBuffer creates a buffer retaining at most limit entries.
func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = 50
	}
	return &Buffer{
		limit:   limit,
		entries: make([]string, 0, limit),
	}
}

// Replace swaps the buffer contents for the given oldest-first entries,
// keeping only the newest limit of them. Used for the initial backfill.
func (b *Buffer) Replace(entries []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(entries) > b.limit {
		entries = entries[len(entries)-b.limit:]
	}
	b.entries = make([]string, len(entries))
	copy(b.entries, entries)
}

// Append adds a live message, evicting the oldest entry if the buffer is full.
func (b *Buffer) Append(entry string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	if len(b.entries) > b.limit {
		b.entries = b.entries[len(b.entries)-b.limit:]
	}
}

// Snapshot returns a point-in-time copy of the buffer, oldest first.
func (b *Buffer) Snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, len(b.entries))
	copy(out, b.entries)
	return out
}

// Clear drops all entries. Called on disconnect.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}

// Len returns the current number of entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
