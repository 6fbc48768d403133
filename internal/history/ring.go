// Package history keeps the in-memory record of recent predictions. The
// buffer is bounded; once full, each append evicts the oldest entry.
package history

import (
	"sync"

	"predix-engine/internal/prediction"
)

// DefaultCapacity bounds the in-memory record. Long-term retention is the
// storage layer's job, not this buffer's.
const DefaultCapacity = 100

// Ring is a fixed-capacity circular prediction buffer, oldest-first.
// Append and eviction are O(1). Safe for concurrent use.
type Ring struct {
	mu    sync.RWMutex
	buf   []prediction.Result
	head  int // index of the oldest entry
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]prediction.Result, capacity)}
}

// Append adds a prediction, evicting the oldest entry when full.
func (r *Ring) Append(p prediction.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.buf) {
		r.buf[r.head] = p
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.count)%len(r.buf)] = p
	r.count++
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *Ring) Capacity() int { return len(r.buf) }

// Recent returns up to limit entries, oldest-first with the newest last.
// limit <= 0 returns everything held.
func (r *Ring) Recent(limit int) []prediction.Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]prediction.Result, n)
	start := r.head + r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// FindByRound locates the retained prediction for a ledger round. Round 0
// marks a failed submission and never matches.
func (r *Ring) FindByRound(roundID int64) (prediction.Result, bool) {
	if roundID == 0 {
		return prediction.Result{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	// Newest first so a re-used ID resolves to the latest round.
	for i := r.count - 1; i >= 0; i-- {
		p := r.buf[(r.head+i)%len(r.buf)]
		if p.RoundID == roundID {
			return p, true
		}
	}
	return prediction.Result{}, false
}
