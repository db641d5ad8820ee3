// Package ids generates request ids and intent nonces.
package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces unique string ids.
type Generator interface {
	Generate() string
}

// UUIDv7 generates time-sortable UUIDv7 ids.
//
// UUIDv7 embeds a millisecond timestamp in the most significant bits, so
// request ids sort by creation time in journals and logs.
//
// Thread-safety: UUIDv7 is stateless and safe for concurrent use.
type UUIDv7 struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if the random source fails (should never happen in practice).
func (UUIDv7) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Sequence returns prefix-1, prefix-2, ... in order. Used by tests and
// scenario replays that need ids to match golden output.
//
// Thread-safety: Sequence is safe for concurrent use via internal mutex.
type Sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequence creates a Sequence with the given prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// Generate returns the next id.
func (s *Sequence) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%d", s.prefix, s.n)
}

// Fixed returns predetermined ids in order.
//
// Panics once all ids are consumed. A test that asks for more ids than it
// declared is misconfigured, and failing loudly beats silently repeating.
type Fixed struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixed creates a generator that returns ids in order.
func NewFixed(ids ...string) *Fixed {
	return &Fixed{ids: ids}
}

// Generate returns the next predetermined id.
func (f *Fixed) Generate() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.ids) {
		panic("ids.Fixed: all ids exhausted")
	}
	id := f.ids[f.idx]
	f.idx++
	return id
}
