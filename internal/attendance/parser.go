package attendance

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

var (
	courseRe = regexp.MustCompile(`\b[A-Z]{2,4}\d{3}\b`)
	dayRe    = regexp.MustCompile(`(?i)\b(MON|TUE|WED|THU|FRI|SAT|SUN)\b`)
	dateRe   = regexp.MustCompile(`\b(\d{2}/\d{2})\b`)
	slotRe   = regexp.MustCompile(`(?i)^slot\s*(\d+)`)
	// room tokens always carry a digit (P.301, DE.C205, BE-204), which keeps
	// prose like "at home" from matching
	roomRe = regexp.MustCompile(`(?i)\bat\s+([A-Za-z0-9][A-Za-z0-9.\-]*\d[A-Za-z0-9.\-]*)`)
	timeRe = regexp.MustCompile(`\((\d{2}:\d{2})-(\d{2}:\d{2})\)`)
)

// requiredDayTokens must all appear in the schedule grid's text.
var requiredDayTokens = []string{"MON", "TUE", "WED", "THU", "FRI"}

// negativePhrases disqualify tables that look like the grid but are not
// (the portal renders an extracurricular activities table in the same shape).
var negativePhrases = []string{"activities", "activity"}

// onlineMarkers flag virtual classes when no physical room matched.
var onlineMarkers = []string{"online", "virtual", "meet", "ems"}

// Parse turns a raw report document into canonical schedule entries.
//
// It never fails hard: a document without a recognizable schedule grid, or
// with unusable header rows, yields an empty result. The validator decides
// downstream whether that is plausible.
func Parse(raw string) []Entry {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil
	}

	table := findScheduleTable(doc)
	if table == nil {
		return nil
	}
	rows := tableRows(table)
	if len(rows) < 3 {
		return nil
	}

	cols := headerColumns(rows[0], rows[1])
	if len(cols) == 0 {
		return nil
	}

	idxs := make([]int, 0, len(cols))
	for i := range cols {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)

	var entries []Entry
	for _, row := range rows[2:] {
		if len(row) == 0 {
			continue
		}
		m := slotRe.FindStringSubmatch(row[0].text)
		if m == nil {
			continue
		}
		slot := "Slot " + m[1]
		for _, idx := range idxs {
			col := cols[idx]
			if idx >= len(row) {
				continue
			}
			e, ok := parseCell(row[idx])
			if !ok {
				continue
			}
			e.Day = col.day
			e.Date = col.date
			e.Slot = slot
			e.Key = EntryKey(e.Date, e.Day, e.Slot, e.Course)
			entries = append(entries, e)
		}
	}
	return entries
}

type column struct {
	day  string
	date string
}

// headerColumns builds the ordered column -> {day, date} map from the first
// two header rows. Columns without a recognizable date are dropped.
func headerColumns(dayRow, dateRow []cell) map[int]column {
	cols := map[int]column{}
	for i, c := range dayRow {
		dm := dayRe.FindString(c.text)
		if dm == "" {
			continue
		}
		date := ""
		if i < len(dateRow) {
			date = dateRe.FindString(dateRow[i].text)
		}
		if date == "" {
			// Some terms render "MON 12/05" in a single header row.
			date = dateRe.FindString(c.text)
		}
		if date == "" {
			continue
		}
		cols[i] = column{day: strings.ToUpper(dm), date: date}
	}
	return cols
}

// parseCell extracts at most one entry from a grid cell. Cells without a
// course-code match are treated as empty.
func parseCell(c cell) (Entry, bool) {
	course := courseRe.FindString(c.text)
	if course == "" {
		return Entry{}, false
	}

	e := Entry{Course: course}
	lower := strings.ToLower(c.text)

	if m := roomRe.FindStringSubmatch(c.text); m != nil {
		e.Room = m[1]
	} else {
		for _, marker := range onlineMarkers {
			if strings.Contains(lower, marker) {
				e.Room = "Online"
				break
			}
		}
	}

	if m := timeRe.FindStringSubmatch(c.text); m != nil {
		e.Time = m[1] + "-" + m[2]
	}

	e.Status = classifyStatus(lower, c)
	return e, true
}

// classifyStatus scans cell text and color markers. The portal colors the
// course line green once attendance is recorded and red for an absence;
// keyword fallbacks cover terms where the markup carries no color at all.
func classifyStatus(lower string, c cell) Status {
	switch {
	case c.green, strings.Contains(lower, "attended"):
		return StatusAttended
	case c.red, strings.Contains(lower, "absent"), strings.Contains(lower, "vắng"):
		return StatusAbsent
	case strings.Contains(lower, "not yet"):
		return StatusNotYet
	default:
		return StatusNotYet
	}
}

// cell is one grid cell: its normalized text plus any color markers found in
// descendant attributes (style/color/class/bgcolor).
type cell struct {
	text  string
	green bool
	red   bool
}

func findScheduleTable(doc *html.Node) *html.Node {
	var tables []*html.Node
	walk(doc, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "table" {
			tables = append(tables, n)
		}
	})

	for _, t := range tables {
		text := nodeText(t)
		upper := strings.ToUpper(text)
		lower := strings.ToLower(text)

		disqualified := false
		for _, p := range negativePhrases {
			if strings.Contains(lower, p) {
				disqualified = true
				break
			}
		}
		if disqualified {
			continue
		}

		ok := strings.Contains(upper, "SLOT")
		for _, d := range requiredDayTokens {
			if !strings.Contains(upper, d) {
				ok = false
				break
			}
		}
		if ok {
			return t
		}
	}
	return nil
}

// tableRows flattens a table node into rows of cells, skipping nested tables.
func tableRows(table *html.Node) [][]cell {
	var rows [][]cell
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var row []cell
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					row = append(row, cell{
						text:  normalizeSpace(nodeText(c)),
						green: hasColorMarker(c, "green"),
						red:   hasColorMarker(c, "red"),
					})
				}
			}
			rows = append(rows, row)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == "table" && c != table {
				continue
			}
			visit(c)
		}
	}
	visit(table)
	return rows
}

func hasColorMarker(n *html.Node, color string) bool {
	found := false
	walk(n, func(m *html.Node) {
		if found || m.Type != html.ElementNode {
			return
		}
		for _, a := range m.Attr {
			switch a.Key {
			case "style", "color", "class", "bgcolor":
				if strings.Contains(strings.ToLower(a.Val), color) {
					found = true
					return
				}
			}
		}
	})
	return found
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	walk(n, func(m *html.Node) {
		if m.Type == html.TextNode {
			b.WriteString(m.Data)
			b.WriteByte(' ')
		}
	})
	return b.String()
}

func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}
