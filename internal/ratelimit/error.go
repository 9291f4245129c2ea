package ratelimit

import (
	"fmt"
	"net/http"
	"time"
)

// LimitError reports a failed admission check. The API layer renders it as
// 429 for rate limits (rpm, concurrent sessions) and 402 for spend limits,
// with the X-RateLimit response headers derived from these fields.
type LimitError struct {
	LimitType    string // total, rpm, concurrent_sessions, 5h, daily, weekly, monthly
	Scope        string // key or user
	CurrentUsage float64
	LimitValue   float64
	ResetAt      time.Time // zero when the limit never resets
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("%s %s limit exceeded: %.6g of %.6g", e.Scope, e.LimitType, e.CurrentUsage, e.LimitValue)
}

// StatusCode returns the HTTP status this limit maps to.
func (e *LimitError) StatusCode() int {
	switch e.LimitType {
	case PeriodRPM, PeriodConcurrent:
		return http.StatusTooManyRequests
	default:
		return http.StatusPaymentRequired
	}
}

// ResetTime renders ResetAt as RFC 3339, or "" when the limit never resets.
func (e *LimitError) ResetTime() string {
	if e.ResetAt.IsZero() {
		return ""
	}
	return e.ResetAt.UTC().Format(time.RFC3339)
}

// RetryAfterSeconds returns the seconds until reset, minimum 1, or 0 when
// the limit never resets.
func (e *LimitError) RetryAfterSeconds(now time.Time) int64 {
	if e.ResetAt.IsZero() {
		return 0
	}
	secs := int64(e.ResetAt.Sub(now).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Remaining returns the unspent portion of the limit, floored at zero.
func (e *LimitError) Remaining() float64 {
	if left := e.LimitValue - e.CurrentUsage; left > 0 {
		return left
	}
	return 0
}
