package store

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/hupe1980/storymesh/core"
)

// Flaky wraps a store and fails the first N commits. It exists to exercise
// the retained-snapshot retry path in tests.
type Flaky struct {
	next     core.ChapterStore
	failures atomic.Int32
}

// NewFlaky returns a store that rejects the first failures commits before
// delegating to next.
func NewFlaky(next core.ChapterStore, failures int) *Flaky {
	f := &Flaky{next: next}
	f.failures.Store(int32(failures))
	return f
}

// Commit implements core.ChapterStore.
func (f *Flaky) Commit(ctx context.Context, number int, snap core.ChapterSnapshot) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("transient storage outage")
	}
	return f.next.Commit(ctx, number, snap)
}
