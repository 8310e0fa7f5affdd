// Package fingerprint derives the de-duplication identity of a candidate
// file from its descriptive attributes. This is a heuristic identity, not a
// content digest: two distinct files sharing name, size, modification time
// and type will collide, and callers treat such collisions as duplicates.
// The payload is deliberately not hashed so that staging a large folder
// never reads file contents twice.
package fingerprint

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Descriptor carries the attributes that make up the fingerprint.
type Descriptor struct {
	Name         string
	SizeBytes    int64
	LastModified time.Time
	MimeType     string
}

// Compute returns the hex fingerprint for the descriptor. Deterministic and
// pure: identical descriptors always yield the same string, across runs.
func Compute(d Descriptor) string {
	canonical := fmt.Sprintf("%s_%d_%d_%s", d.Name, d.SizeBytes, d.LastModified.UnixMilli(), d.MimeType)
	return fmt.Sprintf("%x", xxhash.Sum64String(canonical))
}
