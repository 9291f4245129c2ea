package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDailyBoundaries(t *testing.T) {
	t.Parallel()
	reset := ResetConfig{Mode: "fixed", Time: "07:30"}

	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 12, 7, 30, 0, 0, time.UTC), reset.NextDailyBoundary(now))
	require.Equal(t, time.Date(2025, 6, 11, 7, 30, 0, 0, time.UTC), reset.PrevDailyBoundary(now))

	before := time.Date(2025, 6, 11, 6, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 11, 7, 30, 0, 0, time.UTC), reset.NextDailyBoundary(before))

	// Exactly on the boundary rolls over to the next day.
	at := time.Date(2025, 6, 11, 7, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 12, 7, 30, 0, 0, time.UTC), reset.NextDailyBoundary(at))
}

func TestDailyBoundaryMalformedTime(t *testing.T) {
	t.Parallel()
	reset := ResetConfig{Mode: "fixed", Time: "99:99"}
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 12, 0, 0, 0, 0, time.UTC), reset.NextDailyBoundary(now))
}

func TestWeeklyBoundaries(t *testing.T) {
	t.Parallel()
	wednesday := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), NextWeeklyBoundary(wednesday))
	require.Equal(t, time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), PrevWeeklyBoundary(wednesday))

	sunday := time.Date(2025, 6, 15, 23, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), NextWeeklyBoundary(sunday))

	// A Monday midnight belongs to the week it starts.
	monday := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC), NextWeeklyBoundary(monday))
	require.Equal(t, monday, PrevWeeklyBoundary(monday))
}

func TestMonthlyBoundaries(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), NextMonthlyBoundary(now))
	require.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), PrevMonthlyBoundary(now))

	december := time.Date(2025, 12, 15, 8, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), NextMonthlyBoundary(december))
}

func TestKeyNamesAndSuffix(t *testing.T) {
	t.Parallel()
	require.Equal(t, "key:k1:cost_5h_rolling", rollingKey(ScopeKey, "k1", Period5h))
	require.Equal(t, "user:u1:cost_daily_0730", fixedKey(ScopeUser, "u1", PeriodDaily, "0730"))
	require.Equal(t, "provider:p1:cost_weekly", fixedKey(ScopeProvider, "p1", PeriodWeekly, ""))
	require.Equal(t, "user:u1:rpm", rpmKey(ScopeUser, "u1"))
	require.Equal(t, "key:k1:concurrent_sessions", concurrentKey(ScopeKey, "k1"))

	require.Equal(t, "0730", ResetConfig{Time: "07:30"}.Suffix())
	require.Equal(t, "0000", ResetConfig{}.Suffix())
}

func TestRollingMemberEncoding(t *testing.T) {
	t.Parallel()
	ts := time.UnixMilli(1700000000000)
	require.Equal(t, "1700000000000:req-1:1.25", rollingMember(ts, "req-1", 1.25))
	require.Equal(t, "1700000000000:warmed:0", rollingMember(ts, "warmed", 0))
}
