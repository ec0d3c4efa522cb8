package attendance

import "sort"

// NewlyAttended returns the de-duplicated course codes whose status moved to
// attended between the two snapshots: an entry in next with status attended
// whose prior status by the same key (empty string if unseen) was anything else.
//
// NewlyAttended(x, x) is always empty; the result order is sorted so callers
// get deterministic messages.
func NewlyAttended(prev, next []Entry) []string {
	before := StatusByKey(prev)

	seen := map[string]struct{}{}
	var out []string
	for _, e := range next {
		if e.Status != StatusAttended {
			continue
		}
		if before[e.Key] == StatusAttended {
			continue
		}
		if _, dup := seen[e.Course]; dup {
			continue
		}
		seen[e.Course] = struct{}{}
		out = append(out, e.Course)
	}
	sort.Strings(out)
	return out
}
