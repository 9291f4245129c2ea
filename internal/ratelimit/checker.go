package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Subject bundles everything the admission check needs about the caller.
// Key fields use the key's stable hash identifier as the aggregation id.
type Subject struct {
	KeyID     string
	UserID    string
	SessionID string
	RequestID string

	KeyLimits  PeriodLimits
	UserLimits PeriodLimits

	// KeyConcurrent caps the key's simultaneously active sessions.
	KeyConcurrent *int64
	// UserRPM caps the user's requests per minute.
	UserRPM *int64

	KeyReset  ResetConfig
	UserReset ResetConfig
}

// Checker runs the ordered admission checks against the store.
type Checker struct {
	store *Store
	now   func() time.Time
}

// NewChecker builds a checker over the accounting store.
func NewChecker(store *Store) *Checker {
	return &Checker{store: store, now: time.Now}
}

// Check runs the twelve admission steps in their fixed order, returning a
// *LimitError on the first failure:
//
//	1. key total      2. user total
//	3. key concurrent 4. user rpm
//	5. key 5h         6. user 5h
//	7. key daily      8. user daily
//	9. key weekly     10. user weekly
//	11. key monthly   12. user monthly
//
// Cheap paid-budget gates run before windowed ones so an exhausted key never
// consumes an RPM slot or a concurrency seat.
func (c *Checker) Check(ctx context.Context, sub Subject) error {
	if err := c.checkTotal(ctx, ScopeKey, sub.KeyID, sub.KeyLimits.Total); err != nil {
		return err
	}
	if err := c.checkTotal(ctx, ScopeUser, sub.UserID, sub.UserLimits.Total); err != nil {
		return err
	}
	if err := c.checkConcurrent(ctx, sub); err != nil {
		return err
	}
	if err := c.checkRPM(ctx, sub); err != nil {
		return err
	}
	if err := c.checkRolling(ctx, ScopeKey, sub.KeyID, Period5h, window5h, sub.KeyLimits.FiveH); err != nil {
		return err
	}
	if err := c.checkRolling(ctx, ScopeUser, sub.UserID, Period5h, window5h, sub.UserLimits.FiveH); err != nil {
		return err
	}
	if err := c.checkDaily(ctx, ScopeKey, sub.KeyID, sub.KeyLimits.Daily, sub.KeyReset); err != nil {
		return err
	}
	if err := c.checkDaily(ctx, ScopeUser, sub.UserID, sub.UserLimits.Daily, sub.UserReset); err != nil {
		return err
	}
	if err := c.checkCalendar(ctx, ScopeKey, sub.KeyID, PeriodWeekly, sub.KeyLimits.Weekly); err != nil {
		return err
	}
	if err := c.checkCalendar(ctx, ScopeUser, sub.UserID, PeriodWeekly, sub.UserLimits.Weekly); err != nil {
		return err
	}
	if err := c.checkCalendar(ctx, ScopeKey, sub.KeyID, PeriodMonthly, sub.KeyLimits.Monthly); err != nil {
		return err
	}
	return c.checkCalendar(ctx, ScopeUser, sub.UserID, PeriodMonthly, sub.UserLimits.Monthly)
}

func (c *Checker) checkTotal(ctx context.Context, scope, id string, limit *float64) error {
	if limit == nil || id == "" {
		return nil
	}
	total, err := c.store.TotalCost(ctx, scope, id, nil)
	if err != nil {
		return err
	}
	if total >= *limit {
		return &LimitError{LimitType: PeriodTotal, Scope: scope, CurrentUsage: total, LimitValue: *limit}
	}
	return nil
}

func (c *Checker) checkConcurrent(ctx context.Context, sub Subject) error {
	if sub.KeyConcurrent == nil || sub.SessionID == "" {
		return nil
	}
	allowed, count, err := c.store.AdmitSession(ctx, ScopeKey, sub.KeyID, sub.SessionID, *sub.KeyConcurrent)
	if err != nil {
		return err
	}
	if !allowed {
		return &LimitError{
			LimitType:    PeriodConcurrent,
			Scope:        ScopeKey,
			CurrentUsage: float64(count),
			LimitValue:   float64(*sub.KeyConcurrent),
			ResetAt:      c.now().Add(concurrentSessionTTL),
		}
	}
	return nil
}

func (c *Checker) checkRPM(ctx context.Context, sub Subject) error {
	if sub.UserRPM == nil {
		return nil
	}
	allowed, count, resetAt, err := c.store.CheckRPM(ctx, ScopeUser, sub.UserID, *sub.UserRPM, sub.RequestID)
	if err != nil {
		return err
	}
	if !allowed {
		return &LimitError{
			LimitType:    PeriodRPM,
			Scope:        ScopeUser,
			CurrentUsage: float64(count),
			LimitValue:   float64(*sub.UserRPM),
			ResetAt:      resetAt,
		}
	}
	return nil
}

func (c *Checker) checkRolling(ctx context.Context, scope, id, period string, window time.Duration, limit *float64) error {
	if limit == nil || id == "" {
		return nil
	}
	spend, resetAt, err := c.store.RollingCost(ctx, scope, id, period, window)
	if err != nil {
		return err
	}
	if spend >= *limit {
		return &LimitError{LimitType: period, Scope: scope, CurrentUsage: spend, LimitValue: *limit, ResetAt: resetAt}
	}
	return nil
}

func (c *Checker) checkDaily(ctx context.Context, scope, id string, limit *float64, reset ResetConfig) error {
	if limit == nil || id == "" {
		return nil
	}
	if reset.Rolling() {
		return c.checkRolling(ctx, scope, id, PeriodDaily, windowDaily, limit)
	}
	now := c.now()
	start, end := reset.PrevDailyBoundary(now), reset.NextDailyBoundary(now)
	spend, err := c.store.FixedCost(ctx, scope, id, PeriodDaily, reset.Suffix(), start, end)
	if err != nil {
		return err
	}
	if spend >= *limit {
		return &LimitError{LimitType: PeriodDaily, Scope: scope, CurrentUsage: spend, LimitValue: *limit, ResetAt: end}
	}
	return nil
}

func (c *Checker) checkCalendar(ctx context.Context, scope, id, period string, limit *float64) error {
	if limit == nil || id == "" {
		return nil
	}
	now := c.now()
	var start, end time.Time
	if period == PeriodWeekly {
		start, end = PrevWeeklyBoundary(now), NextWeeklyBoundary(now)
	} else {
		start, end = PrevMonthlyBoundary(now), NextMonthlyBoundary(now)
	}
	spend, err := c.store.FixedCost(ctx, scope, id, period, "", start, end)
	if err != nil {
		return err
	}
	if spend >= *limit {
		return &LimitError{LimitType: period, Scope: scope, CurrentUsage: spend, LimitValue: *limit, ResetAt: end}
	}
	return nil
}

// ProviderBudget holds a provider's spend caps plus its reset settings.
type ProviderBudget struct {
	ProviderID string
	Limits     PeriodLimits
	Reset      ResetConfig
	// TotalSince bounds the total aggregate for providers whose counter was
	// reset by an operator.
	TotalSince *time.Time
}

// CheckProvider evaluates a provider's own spend caps the way the selector's
// health filter needs them: it reports the first exceeded period instead of
// raising, so the decision context can explain the exclusion.
func (c *Checker) CheckProvider(ctx context.Context, budget ProviderBudget) (exceededPeriod string, err error) {
	id := budget.ProviderID
	if budget.Limits.Total != nil {
		total, errTotal := c.store.TotalCost(ctx, ScopeProvider, id, budget.TotalSince)
		if errTotal != nil {
			return "", errTotal
		}
		if total >= *budget.Limits.Total {
			return PeriodTotal, nil
		}
	}
	if budget.Limits.FiveH != nil {
		spend, _, errRoll := c.store.RollingCost(ctx, ScopeProvider, id, Period5h, window5h)
		if errRoll != nil {
			return "", errRoll
		}
		if spend >= *budget.Limits.FiveH {
			return Period5h, nil
		}
	}
	if budget.Limits.Daily != nil {
		if errDaily := c.checkDaily(ctx, ScopeProvider, id, budget.Limits.Daily, budget.Reset); errDaily != nil {
			return limitOrFail(errDaily, PeriodDaily)
		}
	}
	if budget.Limits.Weekly != nil {
		if errWeekly := c.checkCalendar(ctx, ScopeProvider, id, PeriodWeekly, budget.Limits.Weekly); errWeekly != nil {
			return limitOrFail(errWeekly, PeriodWeekly)
		}
	}
	if budget.Limits.Monthly != nil {
		if errMonthly := c.checkCalendar(ctx, ScopeProvider, id, PeriodMonthly, budget.Limits.Monthly); errMonthly != nil {
			return limitOrFail(errMonthly, PeriodMonthly)
		}
	}
	return "", nil
}

// limitOrFail turns a LimitError into the exceeded-period answer; real
// failures propagate.
func limitOrFail(err error, period string) (string, error) {
	var limitErr *LimitError
	if errors.As(err, &limitErr) {
		return period, nil
	}
	return "", err
}

// AdmitProviderSession is the atomic concurrency admission the selector runs
// after choosing a provider.
func (c *Checker) AdmitProviderSession(ctx context.Context, providerID, sessionID string, limit int64) (bool, int64, error) {
	if limit <= 0 {
		return true, 0, nil
	}
	return c.store.AdmitSession(ctx, ScopeProvider, providerID, sessionID, limit)
}
