package attendance

import (
	"strings"
	"testing"
)

const weekReport = `<html><body>
<table>
  <tr><th>Activities</th><th>MON</th><th>TUE</th><th>WED</th><th>THU</th><th>FRI</th></tr>
  <tr><td>Slot club meeting</td><td>-</td><td>-</td><td>-</td><td>-</td><td>-</td></tr>
</table>
<table>
  <tr><th>Slot</th><th>MON</th><th>TUE</th><th>WED</th><th>THU</th><th>FRI</th></tr>
  <tr><td></td><td>12/05</td><td>13/05</td><td>14/05</td><td>15/05</td><td>16/05</td></tr>
  <tr>
    <td>Slot 1</td>
    <td><span style="color:green">SWP391 (attended) at P.301 (07:30-09:50)</span></td>
    <td>-</td>
    <td>PRN222 (not yet) online meet (07:30-09:50)</td>
    <td>-</td>
    <td>-</td>
  </tr>
  <tr>
    <td>Slot 2</td>
    <td>-</td>
    <td><span style="color:red">MLN122 absent at DE.C205 (10:00-12:20)</span></td>
    <td>-</td>
    <td>-</td>
    <td>-</td>
  </tr>
  <tr>
    <td>Lunch break</td>
    <td>nothing to see</td><td>-</td><td>-</td><td>-</td><td>-</td>
  </tr>
</table>
</body></html>`

func TestParseWeekReport(t *testing.T) {
	t.Parallel()
	entries := Parse(weekReport)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(entries), entries)
	}

	first := entries[0]
	if first.Course != "SWP391" {
		t.Fatalf("course = %q, want SWP391", first.Course)
	}
	if first.Date != "12/05" || first.Day != "MON" {
		t.Fatalf("column mapping wrong: date=%q day=%q", first.Date, first.Day)
	}
	if first.Slot != "Slot 1" {
		t.Fatalf("slot = %q, want Slot 1", first.Slot)
	}
	if first.Status != StatusAttended {
		t.Fatalf("status = %q, want attended", first.Status)
	}
	if first.Room != "P.301" {
		t.Fatalf("room = %q, want P.301", first.Room)
	}
	if first.Time != "07:30-09:50" {
		t.Fatalf("time = %q, want 07:30-09:50", first.Time)
	}
	if first.Key != "12/05|Slot 1|SWP391" {
		t.Fatalf("key = %q", first.Key)
	}
}

func TestParseStatusClassification(t *testing.T) {
	t.Parallel()
	entries := Parse(weekReport)
	byCourse := map[string]Status{}
	for _, e := range entries {
		byCourse[e.Course] = e.Status
	}
	if byCourse["MLN122"] != StatusAbsent {
		t.Fatalf("MLN122 = %q, want absent", byCourse["MLN122"])
	}
	if byCourse["PRN222"] != StatusNotYet {
		t.Fatalf("PRN222 = %q, want not_yet", byCourse["PRN222"])
	}
}

func TestParseOnlineRoomFallback(t *testing.T) {
	t.Parallel()
	entries := Parse(weekReport)
	for _, e := range entries {
		if e.Course == "PRN222" {
			if e.Room != "Online" {
				t.Fatalf("room = %q, want Online", e.Room)
			}
			return
		}
	}
	t.Fatal("PRN222 entry missing")
}

func TestParseSkipsActivitiesTable(t *testing.T) {
	t.Parallel()
	for _, e := range Parse(weekReport) {
		if strings.Contains(e.Slot, "club") {
			t.Fatalf("activities table leaked into result: %+v", e)
		}
	}
}

func TestParseDegradesToEmpty(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		raw  string
	}{
		{name: "no table", raw: "<html><body><p>maintenance window</p></body></html>"},
		{name: "not the grid", raw: "<table><tr><td>MON</td></tr></table>"},
		{name: "header only", raw: "<table><tr><th>Slot</th><th>MON</th><th>TUE</th><th>WED</th><th>THU</th><th>FRI</th></tr></table>"},
		{name: "garbage", raw: "\x00\x01<<<<"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := Parse(tc.raw); len(got) != 0 {
				t.Fatalf("expected empty result, got %d entries", len(got))
			}
		})
	}
}

func TestParseDroppedColumnsYieldNothing(t *testing.T) {
	t.Parallel()
	// SAT column has no date below it, so its cells must be ignored.
	raw := `<table>
	  <tr><th>Slot</th><th>MON</th><th>TUE</th><th>WED</th><th>THU</th><th>FRI</th><th>SAT</th></tr>
	  <tr><td></td><td>12/05</td><td>13/05</td><td>14/05</td><td>15/05</td><td>16/05</td><td></td></tr>
	  <tr><td>Slot 1</td><td>-</td><td>-</td><td>-</td><td>-</td><td>-</td><td>SWP391 (attended)</td></tr>
	</table>`
	if got := Parse(raw); len(got) != 0 {
		t.Fatalf("expected no entries from dated-less column, got %+v", got)
	}
}
