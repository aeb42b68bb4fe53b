package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hupe1980/storymesh/core"
)

// Dir persists each chapter as a markdown file plus a JSON sidecar with the
// snapshot metadata. A commit whose content matches the file already on disk
// is skipped, so retries never rewrite or duplicate artifacts.
type Dir struct {
	root string
}

// NewDir creates root (and parents) if needed and returns a directory store.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return &Dir{root: root}, nil
}

// Root returns the backing directory.
func (s *Dir) Root() string { return s.root }

func (s *Dir) chapterPath(number int) string {
	return filepath.Join(s.root, fmt.Sprintf("chapter_%04d.md", number))
}

func (s *Dir) sidecarPath(number int) string {
	return filepath.Join(s.root, fmt.Sprintf("chapter_%04d.json", number))
}

// Commit implements core.ChapterStore.
func (s *Dir) Commit(ctx context.Context, number int, snap core.ChapterSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.chapterPath(number)
	body := []byte(snap.Text)
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, body) {
		return nil
	}

	if err := os.WriteFile(path, body, 0o644); err != nil {
		return &core.PersistenceError{Chapter: number, Err: err}
	}

	meta, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return &core.PersistenceError{Chapter: number, Err: err}
	}
	if err := os.WriteFile(s.sidecarPath(number), append(meta, '\n'), 0o644); err != nil {
		return &core.PersistenceError{Chapter: number, Err: err}
	}
	return nil
}

// Load reads back a committed snapshot from its sidecar.
func (s *Dir) Load(number int) (core.ChapterSnapshot, error) {
	var snap core.ChapterSnapshot
	data, err := os.ReadFile(s.sidecarPath(number))
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decoding chapter %d sidecar: %w", number, err)
	}
	return snap, nil
}
