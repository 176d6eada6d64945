// Package history records clipboard content applied on this host.
package history

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imdevinc/clipbird/internal/content"
)

// DefaultMaxSize is the number of entries kept when no size is configured
const DefaultMaxSize = 100

// History receives every snapshot written to the clipboard. AddHistory must not
// block the caller.
type History interface {
	AddHistory(items []content.Item)
}

// Entry is one recorded snapshot
type Entry struct {
	ID    string
	At    time.Time
	Items []content.Item
}

func newEntry(items []content.Item, at time.Time) Entry {
	return Entry{ID: uuid.NewString(), At: at, Items: content.Clone(items)}
}

// Ring keeps the most recent snapshots in memory
type Ring struct {
	mu      sync.Mutex
	max     int
	entries []Entry // oldest first
	now     func() time.Time
}

// NewRing creates a ring holding at most max entries
func NewRing(max int) *Ring {
	if max <= 0 {
		max = DefaultMaxSize
	}
	return &Ring{max: max, now: time.Now}
}

func (r *Ring) AddHistory(items []content.Item) {
	if len(items) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, newEntry(items, r.now()))
	if over := len(r.entries) - r.max; over > 0 {
		r.entries = append(r.entries[:0], r.entries[over:]...)
	}
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (r *Ring) Recent(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(r.entries) - 1; i >= len(r.entries)-n; i-- {
		e := r.entries[i]
		e.Items = content.Clone(e.Items)
		out = append(out, e)
	}
	return out
}

// Len returns the number of stored entries
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Max returns the ring capacity
func (r *Ring) Max() int {
	return r.max
}

// Multi fans a snapshot out to several histories
type Multi []History

func (m Multi) AddHistory(items []content.Item) {
	for _, h := range m {
		h.AddHistory(items)
	}
}
