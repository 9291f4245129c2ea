package guard

import (
	"context"

	"github.com/routegate/routegate/internal/ratelimit"
	"github.com/routegate/routegate/internal/session"
)

// rateLimitStep runs the key and user spend, RPM and concurrency checks.
// A LimitError surfaces as an error and is mapped to the wire shape by the
// pipeline, so the rejection format stays in one place.
type rateLimitStep struct {
	checker *ratelimit.Checker
}

func (rateLimitStep) Name() string { return "rate_limit" }

func (g rateLimitStep) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	sub := ratelimit.Subject{
		SessionID: s.ID,
		RequestID: s.RequestID,
	}
	if s.Key != nil {
		sub.KeyID = s.Key.Hash
		sub.KeyLimits = s.Key.Limits
		sub.KeyConcurrent = s.Key.ConcurrentSessions
		sub.KeyReset = s.Key.Reset
	}
	if s.User != nil {
		sub.UserID = s.User.ID
		sub.UserLimits = s.User.Limits
		sub.UserRPM = s.User.RPM
		sub.UserReset = s.User.Reset
	}
	return nil, g.checker.Check(ctx, sub)
}
