package store

import (
	"context"
	"sync"

	"github.com/hupe1980/storymesh/core"
)

type memEntry struct {
	hash string
	snap core.ChapterSnapshot
}

// InMemory keeps committed chapters in a map, mainly for tests and dry runs.
// Safe for concurrent use.
type InMemory struct {
	mu      sync.Mutex
	entries map[int]memEntry
	writes  map[int]int
}

// NewInMemory constructs an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: map[int]memEntry{},
		writes:  map[int]int{},
	}
}

// Commit implements core.ChapterStore. Committing identical content for the
// same chapter is a no-op.
func (s *InMemory) Commit(ctx context.Context, number int, snap core.ChapterSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash := contentHash(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[number]; ok && prev.hash == hash {
		return nil
	}
	s.entries[number] = memEntry{hash: hash, snap: snap}
	s.writes[number]++
	return nil
}

// Get returns the committed snapshot for a chapter, if any.
func (s *InMemory) Get(number int) (core.ChapterSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[number]
	return e.snap, ok
}

// Len returns the number of committed chapters.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// WriteCount returns how many distinct writes chapter number has received.
// Idempotent retries do not increment it.
func (s *InMemory) WriteCount(number int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[number]
}
