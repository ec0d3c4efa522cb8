package attendance

import (
	"strconv"
	"strings"
)

// fingerprintMaxLen bounds the normalized prefix the hash covers.
// The schedule grid sits early in the report, so a bounded prefix is enough
// to catch real changes while keeping the pre-check O(1)-ish.
const fingerprintMaxLen = 8192

const (
	fingerprintBase   = 131
	fingerprintOffset = 1469598103934665603
)

// Fingerprint returns a deterministic, order-sensitive polynomial hash of the
// whitespace-normalized document prefix.
//
// It is a probabilistic "likely unchanged" signal only: equal fingerprints
// suggest no change, unequal ones mandate a full parse and diff. Collisions
// are tolerated because the differ, not the fingerprint, decides what changed.
func Fingerprint(raw string) string {
	s := normalizeSpace(raw)
	if len(s) > fingerprintMaxLen {
		s = s[:fingerprintMaxLen]
	}
	var h uint64 = fingerprintOffset
	for i := 0; i < len(s); i++ {
		h = h*fingerprintBase + uint64(s[i])
	}
	return strconv.FormatUint(h, 16)
}

// normalizeSpace collapses whitespace runs to single spaces and trims.
func normalizeSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\v', '\f', ' ':
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}
