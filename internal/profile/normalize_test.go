package profile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadsignal/harvester/internal/harvest"
)

func TestNormalizeProfile(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := harvest.RawProfile{
		TargetID: "target-1",
		Basic: harvest.BasicFields{
			Name:     "  Ada Lovelace ",
			Headline: "Engineering Lead",
			Location: "London",
			Email:    " Ada@Example.COM ",
		},
		Employment: []harvest.EmploymentEntry{
			{
				Company:    "Analytical Engines Ltd",
				CompanyURL: "https://example.com/company/ae",
				Positions: []harvest.RawPosition{
					{Title: "Lead", DateRange: "Jan 2022 - Present · 2 yrs"},
					{Title: "Engineer", DateRange: "Mar 2019 - Dec 2021"},
				},
			},
		},
	}

	p := Normalize(raw, now)
	require.Equal(t, "target-1", p.TargetID)
	require.Equal(t, "Ada Lovelace", p.FullName)
	require.Equal(t, "ada@example.com", p.Email)
	require.Equal(t, now, p.ScrapedAt)

	require.Len(t, p.Employment, 1)
	positions := p.Employment[0].Positions
	require.Len(t, positions, 2)
	require.Equal(t, "2022-01", positions[0].Start)
	require.Empty(t, positions[0].End)
	require.Equal(t, "2019-03", positions[1].Start)
	require.Equal(t, "2021-12", positions[1].End)
}

func TestParseDateRange(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in         string
		start, end string
	}{
		{"Jan 2022 - Mar 2024", "2022-01", "2024-03"},
		{"Jan 2022 - Present", "2022-01", ""},
		{"Jan 2022 - Mar 2024 · 2 yrs 3 mos", "2022-01", "2024-03"},
		{"garbled", "", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		start, end := parseDateRange(tc.in)
		require.Equal(t, tc.start, start, "input %q", tc.in)
		require.Equal(t, tc.end, end, "input %q", tc.in)
	}
}

func TestCurrentCompany(t *testing.T) {
	t.Parallel()

	p := harvest.NormalizedProfile{
		Employment: []harvest.NormalizedEmployment{
			{Company: "Analytical Engines Ltd"},
			{Company: "Older Shop"},
		},
	}
	require.Equal(t, "analytical engines ltd", CurrentCompany(p))
	require.Empty(t, CurrentCompany(harvest.NormalizedProfile{}))
}
