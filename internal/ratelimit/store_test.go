package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeWarm serves canned SQL aggregates and counts how often each query runs.
type fakeWarm struct {
	entries []CostEntry
	sum     float64
	total   float64

	entryCalls     int
	sumCalls       int
	totalCalls     int
	lastTotalSince *time.Time
}

func (f *fakeWarm) CostEntries(_ context.Context, _, _ string, _ time.Time) ([]CostEntry, error) {
	f.entryCalls++
	return f.entries, nil
}

func (f *fakeWarm) CostSum(_ context.Context, _, _ string, _ time.Time) (float64, error) {
	f.sumCalls++
	return f.sum, nil
}

func (f *fakeWarm) TotalCost(_ context.Context, _, _ string, since *time.Time) (float64, error) {
	f.totalCalls++
	f.lastTotalSince = since
	return f.total, nil
}

func newTestStore(t *testing.T, warm *fakeWarm) (*Store, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := NewStore(client, warm)
	require.NoError(t, err)
	return st, mr, client
}

func TestRollingCostWarmsAbsentKey(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	warm := &fakeWarm{entries: []CostEntry{
		{CreatedAt: now.Add(-time.Hour), RequestID: "req-old", Cost: 1.25},
		{CreatedAt: now.Add(-30 * time.Minute), RequestID: "req-new", Cost: 0.5},
	}}
	st, _, client := newTestStore(t, warm)
	st.now = func() time.Time { return now }
	ctx := context.Background()

	sum, resetAt, err := st.RollingCost(ctx, ScopeKey, "k1", Period5h, window5h)
	require.NoError(t, err)
	require.InDelta(t, 1.75, sum, 1e-9)
	require.Equal(t, now.Add(4*time.Hour).UnixMilli(), resetAt.UnixMilli())
	require.Equal(t, 1, warm.entryCalls)

	// Both entries plus the zero-cost warmed marker.
	card, err := client.ZCard(ctx, "key:k1:cost_5h_rolling").Result()
	require.NoError(t, err)
	require.Equal(t, int64(3), card)

	// The warmed key serves the second read without touching SQL.
	sum, _, err = st.RollingCost(ctx, ScopeKey, "k1", Period5h, window5h)
	require.NoError(t, err)
	require.InDelta(t, 1.75, sum, 1e-9)
	require.Equal(t, 1, warm.entryCalls)
}

func TestRollingCostWarmsEmptyHistoryOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	warm := &fakeWarm{}
	st, _, client := newTestStore(t, warm)
	st.now = func() time.Time { return now }
	ctx := context.Background()

	sum, _, err := st.RollingCost(ctx, ScopeUser, "u1", Period5h, window5h)
	require.NoError(t, err)
	require.Zero(t, sum)

	_, _, err = st.RollingCost(ctx, ScopeUser, "u1", Period5h, window5h)
	require.NoError(t, err)
	require.Equal(t, 1, warm.entryCalls)

	card, err := client.ZCard(ctx, "user:u1:cost_5h_rolling").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), card)
}

func TestFixedCostWarmsFromSQL(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	warm := &fakeWarm{sum: 12.5}
	st, mr, client := newTestStore(t, warm)
	st.now = func() time.Time { return now }
	ctx := context.Background()

	start, end := now.Add(-2*time.Hour), now.Add(22*time.Hour)
	got, err := st.FixedCost(ctx, ScopeUser, "u1", PeriodDaily, "0730", start, end)
	require.NoError(t, err)
	require.Equal(t, 12.5, got)
	require.Equal(t, 1, warm.sumCalls)

	raw, err := client.Get(ctx, "user:u1:cost_daily_0730").Result()
	require.NoError(t, err)
	require.Equal(t, "12.5", raw)
	require.Equal(t, 22*time.Hour, mr.TTL("user:u1:cost_daily_0730"))

	got, err = st.FixedCost(ctx, ScopeUser, "u1", PeriodDaily, "0730", start, end)
	require.NoError(t, err)
	require.Equal(t, 12.5, got)
	require.Equal(t, 1, warm.sumCalls)
}

func TestFixedCostPastBoundaryGetsMinimumTTL(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	st, mr, _ := newTestStore(t, &fakeWarm{sum: 1})
	st.now = func() time.Time { return now }

	_, err := st.FixedCost(context.Background(), ScopeUser, "u1", PeriodDaily, "0000", now.Add(-24*time.Hour), now.Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, time.Minute, mr.TTL("user:u1:cost_daily_0000"))
}

func TestTotalCostCachesAggregate(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	warm := &fakeWarm{total: 42.5}
	st, _, _ := newTestStore(t, warm)
	st.now = func() time.Time { return now }
	ctx := context.Background()

	got, err := st.TotalCost(ctx, ScopeKey, "k1", nil)
	require.NoError(t, err)
	require.Equal(t, 42.5, got)

	_, err = st.TotalCost(ctx, ScopeKey, "k1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, warm.totalCalls)

	// The cached aggregate ages out on the store clock.
	st.now = func() time.Time { return now.Add(totalCacheTTL + time.Second) }
	warm.total = 50
	got, err = st.TotalCost(ctx, ScopeKey, "k1", nil)
	require.NoError(t, err)
	require.Equal(t, 50.0, got)
	require.Equal(t, 2, warm.totalCalls)

	// A since bound is a distinct cache entry.
	since := now.Add(-time.Hour)
	_, err = st.TotalCost(ctx, ScopeKey, "k1", &since)
	require.NoError(t, err)
	require.Equal(t, 3, warm.totalCalls)
	require.NotNil(t, warm.lastTotalSince)
	require.True(t, warm.lastTotalSince.Equal(since))
}

func TestCheckRPMAdmitsUpToLimit(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	st, _, _ := newTestStore(t, &fakeWarm{})
	st.now = func() time.Time { return now }
	ctx := context.Background()

	allowed, count, _, err := st.CheckRPM(ctx, ScopeUser, "u1", 2, "r1")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(1), count)

	allowed, count, _, err = st.CheckRPM(ctx, ScopeUser, "u1", 2, "r2")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(2), count)

	allowed, count, resetAt, err := st.CheckRPM(ctx, ScopeUser, "u1", 2, "r3")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, int64(2), count)
	require.Equal(t, now.Add(windowRPM).UnixMilli(), resetAt.UnixMilli())

	// The window frees up once the old requests fall out of the minute.
	st.now = func() time.Time { return now.Add(61 * time.Second) }
	allowed, count, _, err = st.CheckRPM(ctx, ScopeUser, "u1", 2, "r4")
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(1), count)
}

func TestAdmitSessionTracksAndRejects(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	st, _, _ := newTestStore(t, &fakeWarm{})
	st.now = func() time.Time { return now }
	ctx := context.Background()

	allowed, count, err := st.AdmitSession(ctx, ScopeKey, "k1", "s1", 1)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(1), count)

	// An already tracked session re-admits for free.
	allowed, count, err = st.AdmitSession(ctx, ScopeKey, "k1", "s1", 1)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(1), count)

	allowed, count, err = st.AdmitSession(ctx, ScopeKey, "k1", "s2", 1)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, int64(1), count)

	// Idle sessions age out and free their slot.
	st.now = func() time.Time { return now.Add(concurrentSessionTTL + time.Minute) }
	allowed, _, err = st.AdmitSession(ctx, ScopeKey, "k1", "s2", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestReleaseSessionFreesSlot(t *testing.T) {
	t.Parallel()
	st, _, _ := newTestStore(t, &fakeWarm{})
	ctx := context.Background()

	allowed, _, err := st.AdmitSession(ctx, ScopeKey, "k1", "s1", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, _, err = st.AdmitSession(ctx, ScopeKey, "k1", "s2", 1)
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, st.ReleaseSession(ctx, ScopeKey, "k1", "s1"))

	allowed, _, err = st.AdmitSession(ctx, ScopeKey, "k1", "s2", 1)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestTrackCostWritesAllFamilies(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	st, mr, client := newTestStore(t, &fakeWarm{})
	st.now = func() time.Time { return now }
	mr.SetTime(now)
	ctx := context.Background()

	reset := ResetConfig{Mode: "fixed", Time: "07:30"}
	require.NoError(t, st.TrackCost(ctx, ScopeKey, "k1", 2.5, "req-1", reset))

	card, err := client.ZCard(ctx, "key:k1:cost_5h_rolling").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), card)

	daily, err := client.Get(ctx, "key:k1:cost_daily_0730").Result()
	require.NoError(t, err)
	require.Equal(t, "2.5", daily)
	require.Equal(t, 19*time.Hour+30*time.Minute, mr.TTL("key:k1:cost_daily_0730"))

	weekly, err := client.Get(ctx, "key:k1:cost_weekly").Result()
	require.NoError(t, err)
	require.Equal(t, "2.5", weekly)
	require.Equal(t, 108*time.Hour, mr.TTL("key:k1:cost_weekly"))

	monthly, err := client.Get(ctx, "key:k1:cost_monthly").Result()
	require.NoError(t, err)
	require.Equal(t, "2.5", monthly)
	require.Equal(t, 468*time.Hour, mr.TTL("key:k1:cost_monthly"))

	require.NoError(t, st.TrackCost(ctx, ScopeKey, "k1", 1.5, "req-2", reset))
	daily, err = client.Get(ctx, "key:k1:cost_daily_0730").Result()
	require.NoError(t, err)
	require.Equal(t, "4", daily)
}

func TestTrackCostRollingDailyMode(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	warm := &fakeWarm{}
	st, _, client := newTestStore(t, warm)
	st.now = func() time.Time { return now }
	ctx := context.Background()

	reset := ResetConfig{Mode: "rolling"}
	require.NoError(t, st.TrackCost(ctx, ScopeProvider, "p1", 0.75, "req-1", reset))

	card, err := client.ZCard(ctx, "provider:p1:cost_daily_rolling").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), card)
	require.Equal(t, int64(0), client.Exists(ctx, "provider:p1:cost_daily_0000").Val())

	// The tracked entry feeds the rolling read directly, no warming needed.
	sum, _, err := st.RollingCost(ctx, ScopeProvider, "p1", PeriodDaily, windowDaily)
	require.NoError(t, err)
	require.InDelta(t, 0.75, sum, 1e-9)
	require.Zero(t, warm.entryCalls)
}

func TestTrackDailyOnlyWritesSingleFamily(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	st, mr, client := newTestStore(t, &fakeWarm{})
	st.now = func() time.Time { return now }
	mr.SetTime(now)
	ctx := context.Background()

	reset := ResetConfig{Mode: "fixed", Time: "00:00"}
	require.NoError(t, st.TrackDailyOnly(ctx, ScopeUser, "u1", 1.2, "req-9", reset))

	daily, err := client.Get(ctx, "user:u1:cost_daily_0000").Result()
	require.NoError(t, err)
	require.Equal(t, "1.2", daily)

	n, err := client.Exists(ctx, "user:u1:cost_5h_rolling", "user:u1:cost_weekly", "user:u1:cost_monthly").Result()
	require.NoError(t, err)
	require.Zero(t, n)
}
