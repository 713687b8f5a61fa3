package dedup

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	urlPattern        = regexp.MustCompile(`https?://\S+`)
	emailPattern      = regexp.MustCompile(`\S+@\S+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
	relativePattern   = regexp.MustCompile(`^(\d+)\s*([a-z]+)`)
)

// NormalizeText lower-cases a snippet, strips embedded URLs and email
// addresses, and collapses runs of whitespace. Downstream text analysis
// relies on stored text already being in this form.
func NormalizeText(s string) string {
	s = strings.ToLower(s)
	s = urlPattern.ReplaceAllString(s, "")
	s = emailPattern.ReplaceAllString(s, "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// absoluteLayouts are tried in order before falling back to relative parsing.
var absoluteLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp resolves a raw activity timestamp to an absolute instant.
// Feeds emit either ISO-style strings or relative ages like "2d", "3mo",
// "1yr"; relative ages are resolved against now. The second return value
// reports whether the input was parseable at all.
func ParseTimestamp(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range absoluteLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	m := relativePattern.FindStringSubmatch(strings.ToLower(raw))
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	switch m[2] {
	case "d", "day", "days":
		return now.AddDate(0, 0, -n).UTC(), true
	case "mo", "month", "months":
		return now.AddDate(0, 0, -n*30).UTC(), true
	case "yr", "year", "years":
		return now.AddDate(0, 0, -n*365).UTC(), true
	}
	return time.Time{}, false
}
