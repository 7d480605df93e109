package transcript

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// Export tools put plain, no-break, narrow no-break or thin spaces between
// date, time and the AM/PM marker.
const space = `[\s\x{00A0}\x{202F}\x{2009}]`

const (
	slashDate  = `(\d{1,2}/\d{1,2}/\d{2,4})`
	dottedDate = `(\d{1,2}\.\d{1,2}\.\d{2,4})`
	clock      = `(\d{1,2}:\d{2}(?::\d{2})?(?:` + space + `?[AaPp][Mm])?)`
	clock24    = `(\d{1,2}:\d{2}(?::\d{2})?)`
)

// grammar is one timestamp-line layout. Group indexes are 1-based; zero
// means the layout has no such group.
type grammar struct {
	name     string
	re       *regexp.Regexp
	date     int
	clock    int
	meridiem int
	sender   int
	body     int
}

// messageGrammars are tried in order and the first match wins. Transcripts do
// not say which date convention they use, so the order is fixed:
//
//  1. M/D/YY, H:MM AM - Sender: Body
//  2. [D/M/Y, H:MM(:SS)( AM)] Sender: Body
//  3. D/M/Y, H:MM(:SS)( AM) - Sender: Body
//  4. D.M.Y, H:MM(:SS) - Sender: Body
var messageGrammars = []grammar{
	{
		name: "us-meridiem",
		re: regexp.MustCompile(`^(\d{1,2}/\d{1,2}/\d{2}),?` + space + `+(\d{1,2}:\d{2})` + space +
			`*([AaPp][Mm])\s*-\s*([^:]+?):\s*(.*)$`),
		date: 1, clock: 2, meridiem: 3, sender: 4, body: 5,
	},
	{
		name: "bracketed",
		re:   regexp.MustCompile(`^\[` + slashDate + `,?` + space + `+` + clock + `\]\s*([^:]+?):\s*(.*)$`),
		date: 1, clock: 2, sender: 3, body: 4,
	},
	{
		name: "dashed",
		re:   regexp.MustCompile(`^` + slashDate + `,?` + space + `+` + clock + `\s*-\s*([^:]+?):\s*(.*)$`),
		date: 1, clock: 2, sender: 3, body: 4,
	},
	{
		name: "dotted",
		re:   regexp.MustCompile(`^` + dottedDate + `,?` + space + `+` + clock24 + `\s*-\s*([^:]+?):\s*(.*)$`),
		date: 1, clock: 2, sender: 3, body: 4,
	},
}

// eventGrammars match timestamped lines without a "Sender:" part, which the
// export uses for group events such as joins, leaves and subject changes.
// They are only tried after every message grammar failed.
var eventGrammars = []grammar{
	{
		name: "us-meridiem-event",
		re: regexp.MustCompile(`^(\d{1,2}/\d{1,2}/\d{2}),?` + space + `+(\d{1,2}:\d{2})` + space +
			`*([AaPp][Mm])\s*-\s*(.+)$`),
		date: 1, clock: 2, meridiem: 3, body: 4,
	},
	{
		name: "bracketed-event",
		re:   regexp.MustCompile(`^\[` + slashDate + `,?` + space + `+` + clock + `\]\s*(.+)$`),
		date: 1, clock: 2, body: 3,
	},
	{
		name: "dashed-event",
		re:   regexp.MustCompile(`^` + slashDate + `,?` + space + `+` + clock + `\s*-\s*(.+)$`),
		date: 1, clock: 2, body: 3,
	},
	{
		name: "dotted-event",
		re:   regexp.MustCompile(`^` + dottedDate + `,?` + space + `+` + clock24 + `\s*-\s*(.+)$`),
		date: 1, clock: 2, body: 3,
	},
}

type lineMatch struct {
	grammar   string
	timestamp time.Time
	sender    string
	body      string
}

func group(m []string, idx int) string {
	if idx <= 0 || idx >= len(m) {
		return ""
	}
	return m[idx]
}

// match tries grammars in order. A grammar whose timestamp does not decode
// is skipped and the next one is tried.
func match(line string, grammars []grammar, loc *time.Location) (lineMatch, bool) {
	for _, g := range grammars {
		m := g.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		clockText := group(m, g.clock)
		if g.meridiem > 0 {
			clockText += " " + group(m, g.meridiem)
		}
		ts, ok := ParseTimestamp(group(m, g.date), clockText, loc)
		if !ok {
			continue
		}
		return lineMatch{
			grammar:   g.name,
			timestamp: ts,
			sender:    group(m, g.sender),
			body:      group(m, g.body),
		}, true
	}
	return lineMatch{}, false
}

// ParseTimestamp decodes a transcript date ("D/M/YY", "M/D/YYYY", "D.M.YY")
// and time ("H:MM", "H:MM:SS", optionally followed by AM/PM) as wall-clock
// time in loc (UTC when nil).
//
// Day and month are disambiguated heuristically: a field above 12 must be the
// day; when both fields are 12 or less the date is read day-first. This is a
// known accuracy limitation for US-style exports such as 03/04/2024, kept so
// that existing archives keep decoding to the same timestamps.
//
// Two-digit years are taken as 20YY. Out-of-range values are rejected.
func ParseTimestamp(date, clockText string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	var parts []string
	switch {
	case strings.Contains(date, "/"):
		parts = strings.Split(date, "/")
	case strings.Contains(date, "."):
		parts = strings.Split(date, ".")
	default:
		return time.Time{}, false
	}
	if len(parts) != 3 {
		return time.Time{}, false
	}
	first, err1 := strconv.Atoi(parts[0])
	second, err2 := strconv.Atoi(parts[1])
	year, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}
	switch len(parts[2]) {
	case 2:
		year += 2000
	case 4:
	default:
		return time.Time{}, false
	}

	hour, minute, sec, ok := parseClock(clockText)
	if !ok {
		return time.Time{}, false
	}

	day, month := first, second
	if first <= 12 && second > 12 {
		day, month = second, first
	}
	if month < 1 || month > 12 || day < 1 || day > daysIn(time.Month(month), year) {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, loc), true
}

func parseClock(text string) (hour, minute, sec int, ok bool) {
	upper := strings.ToUpper(text)
	pm := strings.Contains(upper, "PM")
	am := strings.Contains(upper, "AM")
	digits := strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == ':' {
			return r
		}
		return -1
	}, text)
	fields := strings.Split(digits, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, 0, 0, false
	}
	var err error
	if hour, err = strconv.Atoi(fields[0]); err != nil {
		return 0, 0, 0, false
	}
	if minute, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, 0, false
	}
	if len(fields) == 3 {
		if sec, err = strconv.Atoi(fields[2]); err != nil {
			return 0, 0, 0, false
		}
	}
	if am || pm {
		if hour < 1 || hour > 12 {
			return 0, 0, 0, false
		}
		if pm && hour != 12 {
			hour += 12
		}
		if am && hour == 12 {
			hour = 0
		}
	}
	if hour > 23 || minute > 59 || sec > 59 {
		return 0, 0, 0, false
	}
	return hour, minute, sec, true
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// invisibleMarks are bidi, zero-width and BOM characters that exports sprinkle
// around names and attachment markers.
var invisibleMarks = runes.In(&unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200B, Hi: 0x200F, Stride: 1},
		{Lo: 0x202A, Hi: 0x202E, Stride: 1},
		{Lo: 0x2060, Hi: 0x206F, Stride: 1},
		{Lo: 0xFEFF, Hi: 0xFEFF, Stride: 1},
	},
})

// CleanText strips invisible control marks and surrounding whitespace.
func CleanText(s string) string {
	out, _, err := transform.String(runes.Remove(invisibleMarks), s)
	if err != nil {
		out = s
	}
	return strings.TrimSpace(out)
}
