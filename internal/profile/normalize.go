// Package profile converts raw fetch payloads into the normalized shape the
// profile store persists.
package profile

import (
	"strings"
	"time"

	"github.com/leadsignal/harvester/internal/harvest"
)

// Normalize flattens a raw profile into its stored form. Employment entries
// keep their fetch order, which feeds assume is most recent first.
func Normalize(raw harvest.RawProfile, now time.Time) harvest.NormalizedProfile {
	out := harvest.NormalizedProfile{
		TargetID:  raw.TargetID,
		FullName:  strings.TrimSpace(raw.Basic.Name),
		Headline:  strings.TrimSpace(raw.Basic.Headline),
		Location:  strings.TrimSpace(raw.Basic.Location),
		Email:     strings.ToLower(strings.TrimSpace(raw.Basic.Email)),
		ScrapedAt: now.UTC(),
	}
	for _, emp := range raw.Employment {
		norm := harvest.NormalizedEmployment{
			Company:    strings.TrimSpace(emp.Company),
			CompanyURL: emp.CompanyURL,
		}
		for _, pos := range emp.Positions {
			start, end := parseDateRange(pos.DateRange)
			norm.Positions = append(norm.Positions, harvest.NormalizedPosition{
				Title:       strings.TrimSpace(pos.Title),
				Start:       start,
				End:         end,
				Location:    strings.TrimSpace(pos.Location),
				Description: strings.TrimSpace(pos.Description),
			})
		}
		out.Employment = append(out.Employment, norm)
	}
	return out
}

// parseDateRange splits a display range like "Jan 2022 - Mar 2024 · 2 yrs"
// into YYYY-MM bounds. "Present" and unparseable bounds come back empty.
func parseDateRange(dateRange string) (start, end string) {
	if dateRange == "" {
		return "", ""
	}
	head := strings.TrimSpace(strings.Split(dateRange, "·")[0])
	parts := strings.Split(head, " - ")
	if len(parts) > 0 {
		start = normalizeMonth(parts[0])
	}
	if len(parts) > 1 {
		end = normalizeMonth(parts[1])
	}
	return start, end
}

func normalizeMonth(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(strings.ToLower(s), "present") {
		return ""
	}
	t, err := time.Parse("Jan 2006", s)
	if err != nil {
		return ""
	}
	return t.Format("2006-01")
}

// CurrentCompany reports the company of the most recent employment entry,
// lower-cased, or empty when no history was captured.
func CurrentCompany(p harvest.NormalizedProfile) string {
	if len(p.Employment) == 0 {
		return ""
	}
	return strings.ToLower(p.Employment[0].Company)
}
