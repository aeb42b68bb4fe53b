// Package store provides chapter persistence backends. Every backend
// implements core.ChapterStore and commits idempotently: re-committing a
// chapter with identical content yields no duplicate artifact and no extra
// write.
package store

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/hupe1980/storymesh/core"
)

// contentHash fingerprints the parts of a snapshot that define its artifact.
// Timestamps and review metadata are excluded so a retried commit of the
// same text is recognized as identical.
func contentHash(snap core.ChapterSnapshot) string {
	h := sha256.New()
	h.Write([]byte(snap.Title))
	h.Write([]byte{0})
	h.Write([]byte(snap.Text))
	return hex.EncodeToString(h.Sum(nil))
}
