package attendance

// Validator rejects parse results that look structurally broken.
//
// This is a heuristic: a genuinely empty week and a silently broken parser
// are indistinguishable without an authoritative signal, so the rule is
// deliberately conservative. On rejection the caller keeps serving the
// last-good snapshot and skips the cache write entirely.
type Validator struct {
	// MinEntries is the smallest entry count accepted once a non-empty
	// baseline exists. Zero means 1.
	MinEntries int
}

// Valid reports whether entries look like a usable parse result, given the
// previously accepted snapshot as baseline.
//
// With no baseline there is nothing to compare against, so anything goes:
// a first-ever empty week is a legitimate result, not breakage.
func (v Validator) Valid(entries, baseline []Entry) bool {
	if len(baseline) == 0 {
		return true
	}
	min := v.MinEntries
	if min <= 0 {
		min = 1
	}
	if len(entries) < min {
		return false
	}
	for _, e := range entries {
		if courseRe.MatchString(e.Course) {
			return true
		}
	}
	return false
}
