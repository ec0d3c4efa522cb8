package attendance

import (
	"strings"
	"time"
)

// Status is the per-slot attendance state reported by the portal.
type Status string

const (
	StatusAttended Status = "attended"
	StatusAbsent   Status = "absent"
	StatusNotYet   Status = "not_yet"
	StatusUnknown  Status = "unknown"
)

// Entry is one slot of the weekly schedule grid in canonical form.
//
// Key is the composite identity used for diffing across polls:
// date (or day when the date column had none), slot and course.
type Entry struct {
	Key    string `json:"key"`
	Course string `json:"course"`
	Day    string `json:"day"`
	Date   string `json:"date"`
	Slot   string `json:"slot"`
	Room   string `json:"room,omitempty"`
	Time   string `json:"time,omitempty"`
	Status Status `json:"status"`
}

// EntryKey builds the composite key. Date wins over day when present.
func EntryKey(date, day, slot, course string) string {
	dk := date
	if dk == "" {
		dk = day
	}
	return dk + "|" + slot + "|" + course
}

// StatusByKey flattens entries into a key -> status map.
// Duplicate keys within one parse resolve last-wins.
func StatusByKey(entries []Entry) map[string]Status {
	m := make(map[string]Status, len(entries))
	for _, e := range entries {
		m[e.Key] = e.Status
	}
	return m
}

// TodayRows filters entries down to the given day, matching the DD/MM date
// column first and the weekday token as fallback.
func TodayRows(entries []Entry, now time.Time) []Entry {
	date := now.Format("02/01")
	day := strings.ToUpper(now.Format("Mon"))
	var out []Entry
	for _, e := range entries {
		if e.Date == date || (e.Date == "" && strings.EqualFold(e.Day, day)) {
			out = append(out, e)
		}
	}
	return out
}
