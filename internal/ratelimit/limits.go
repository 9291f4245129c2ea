// Package ratelimit implements the per-key, per-user, and per-provider spend
// and rate accounting. Redis is the hot path: rolling windows are sorted
// sets mutated only through Lua scripts, fixed windows are float counters
// expiring at their reset boundary, and absent keys are warmed from SQL so a
// Redis flush cannot bypass enforcement.
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Limit periods.
const (
	PeriodTotal      = "total"
	PeriodRPM        = "rpm"
	PeriodConcurrent = "concurrent_sessions"
	Period5h         = "5h"
	PeriodDaily      = "daily"
	PeriodWeekly     = "weekly"
	PeriodMonthly    = "monthly"
)

// Scopes for cost aggregation keys.
const (
	ScopeKey      = "key"
	ScopeUser     = "user"
	ScopeProvider = "provider"
)

// Window durations.
const (
	window5h    = 5 * time.Hour
	windowDaily = 24 * time.Hour
	windowRPM   = time.Minute

	// rollingTTLSlack keeps rolling ZSETs one hour past their window so a
	// quiet period does not force an immediate SQL re-warm.
	rollingTTLSlack = time.Hour

	// concurrentSessionTTL ages session entries out of concurrency sets,
	// matching the session snapshot TTL.
	concurrentSessionTTL = 5 * time.Minute
)

// PeriodLimits holds the per-period spend caps in USD. Nil means unlimited.
type PeriodLimits struct {
	Total   *float64
	FiveH   *float64
	Daily   *float64
	Weekly  *float64
	Monthly *float64
}

// ResetConfig describes how a subject's daily window resets.
type ResetConfig struct {
	// Time is the daily boundary in "HH:mm", used when Mode is "fixed".
	Time string
	// Mode is "fixed" or "rolling".
	Mode string
}

// Rolling reports whether the daily window slides instead of resetting at a
// fixed boundary.
func (r ResetConfig) Rolling() bool { return r.Mode == "rolling" }

// Suffix returns the HHMM key suffix isolating subjects with different
// fixed reset times.
func (r ResetConfig) Suffix() string {
	t := r.Time
	if t == "" {
		t = "00:00"
	}
	return strings.ReplaceAll(t, ":", "")
}

// boundaryClock parses "HH:mm"; malformed values fall back to midnight.
func (r ResetConfig) boundaryClock() (hour, minute int) {
	parts := strings.SplitN(r.Time, ":", 2)
	if len(parts) == 2 {
		_, _ = fmt.Sscanf(parts[0], "%d", &hour)
		_, _ = fmt.Sscanf(parts[1], "%d", &minute)
	}
	if hour < 0 || hour > 23 {
		hour = 0
	}
	if minute < 0 || minute > 59 {
		minute = 0
	}
	return hour, minute
}

// NextDailyBoundary returns the next fixed daily reset strictly after now.
// Boundaries are evaluated in UTC.
func (r ResetConfig) NextDailyBoundary(now time.Time) time.Time {
	hour, minute := r.boundaryClock()
	now = now.UTC()
	boundary := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !boundary.After(now) {
		boundary = boundary.AddDate(0, 0, 1)
	}
	return boundary
}

// PrevDailyBoundary returns the most recent fixed daily reset at or before
// now; it is the warming window start for daily-fixed counters.
func (r ResetConfig) PrevDailyBoundary(now time.Time) time.Time {
	return r.NextDailyBoundary(now).AddDate(0, 0, -1)
}

// NextWeeklyBoundary returns the next Monday 00:00 UTC strictly after now.
func NextWeeklyBoundary(now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	daysAhead := (int(time.Monday) - int(day.Weekday()) + 7) % 7
	if daysAhead == 0 {
		daysAhead = 7
	}
	return day.AddDate(0, 0, daysAhead)
}

// PrevWeeklyBoundary returns the Monday 00:00 UTC at or before now.
func PrevWeeklyBoundary(now time.Time) time.Time {
	return NextWeeklyBoundary(now).AddDate(0, 0, -7)
}

// NextMonthlyBoundary returns the first of the next month, 00:00 UTC.
func NextMonthlyBoundary(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}

// PrevMonthlyBoundary returns the first of the current month, 00:00 UTC.
func PrevMonthlyBoundary(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// rollingKey names a rolling-window cost ZSET.
func rollingKey(scope, id, period string) string {
	return fmt.Sprintf("%s:%s:cost_%s_rolling", scope, id, period)
}

// fixedKey names a fixed-window cost counter. Daily-fixed carries the HHMM
// suffix so subjects with different reset times do not share a counter.
func fixedKey(scope, id, period, suffix string) string {
	if suffix != "" {
		return fmt.Sprintf("%s:%s:cost_%s_%s", scope, id, period, suffix)
	}
	return fmt.Sprintf("%s:%s:cost_%s", scope, id, period)
}

// rpmKey names the per-user request-timestamp ZSET.
func rpmKey(scope, id string) string {
	return fmt.Sprintf("%s:%s:rpm", scope, id)
}

// concurrentKey names the active-session ZSET for a subject.
func concurrentKey(scope, id string) string {
	return fmt.Sprintf("%s:%s:concurrent_sessions", scope, id)
}

// rollingMember encodes one spend entry as "{ts}:{requestId}:{cost}".
func rollingMember(ts time.Time, requestID string, cost float64) string {
	return fmt.Sprintf("%d:%s:%.10g", ts.UnixMilli(), requestID, cost)
}
