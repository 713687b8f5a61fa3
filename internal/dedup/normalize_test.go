package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Hello World", "hello world"},
		{"collapses whitespace", "hello \t\n  world", "hello world"},
		{"strips urls", "read this https://example.com/post?x=1 now", "read this now"},
		{"strips emails", "mail me at bob@example.com today", "mail me at today"},
		{"trims", "  padded  ", "padded"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, NormalizeText(tc.in))
		})
	}
}

func TestParseTimestampAbsolute(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ts, ok := ParseTimestamp("2024-05-20T08:30:00Z", now)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 5, 20, 8, 30, 0, 0, time.UTC), ts)

	ts, ok = ParseTimestamp("2024-05-20", now)
	require.True(t, ok)
	require.Equal(t, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), ts)
}

func TestParseTimestampRelative(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ts, ok := ParseTimestamp("2d", now)
	require.True(t, ok)
	require.Equal(t, now.AddDate(0, 0, -2), ts)

	ts, ok = ParseTimestamp("3mo", now)
	require.True(t, ok)
	require.Equal(t, now.AddDate(0, 0, -90), ts)

	ts, ok = ParseTimestamp("1yr", now)
	require.True(t, ok)
	require.Equal(t, now.AddDate(0, 0, -365), ts)
}

func TestParseTimestampUnparseable(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	for _, raw := range []string{"", "just now", "soon", "??"} {
		_, ok := ParseTimestamp(raw, now)
		require.False(t, ok, "input %q", raw)
	}
}
