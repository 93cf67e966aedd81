// Package ident produces the sortable identifiers used as primary keys
// for every entity in the engine. Identifiers are 26-character ULIDs:
// lexicographic order follows creation order, and the millisecond
// timestamp is recoverable from the first ten characters.
package ident

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nbrewer/mneme/internal/apperr"
)

// Len is the length of an encoded identifier.
const Len = ulid.EncodedSize

// New returns an identifier stamped with the current time.
func New() string {
	return Generate(time.Now())
}

// Generate returns an identifier stamped with the given time and a
// random suffix.
func Generate(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// IsValid reports whether s is a well-formed identifier.
func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// ExtractTimestamp recovers the millisecond timestamp embedded in id.
// It fails with apperr.ErrInvalidFormat when the string has the wrong
// length, contains characters outside the alphabet, or decodes to a
// timestamp outside the representable range.
func ExtractTimestamp(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("ident: %q: %w", id, apperr.ErrInvalidFormat)
	}
	return ulid.Time(u.Time()), nil
}

// Generator mints strictly increasing identifiers. Two ids generated
// within the same millisecond tick differ by an incremented entropy
// suffix (treated as a big-endian counter); on counter overflow the
// generator falls back to fresh randomness.
type Generator struct {
	mu     sync.Mutex
	lastMs uint64
	last   ulid.ULID
}

// NewGenerator returns a monotonic identifier generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the next identifier for the given time.
func (g *Generator) Generate(t time.Time) string {
	ms := ulid.Timestamp(t)

	g.mu.Lock()
	defer g.mu.Unlock()

	if ms == g.lastMs && !incrementEntropy(&g.last) {
		// Same tick and the suffix did not overflow: reuse the bumped id.
		return g.last.String()
	}

	u := ulid.MustNew(ms, rand.Reader)
	g.lastMs = ms
	g.last = u
	return u.String()
}

// incrementEntropy bumps the 80-bit entropy suffix (bytes 6..15) as a
// big-endian counter. It reports whether the counter overflowed.
func incrementEntropy(u *ulid.ULID) bool {
	for i := len(u) - 1; i >= 6; i-- {
		u[i]++
		if u[i] != 0 {
			return false
		}
	}
	return true
}
