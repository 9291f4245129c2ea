package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// CostEntry is one past request's spend, used to rebuild rolling windows.
type CostEntry struct {
	CreatedAt time.Time
	RequestID string
	Cost      float64
}

// WarmSource answers the SQL queries that rebuild Redis state after a flush
// and back the cached total-spend aggregates.
type WarmSource interface {
	// CostEntries returns the spend entries for scope/id created since the
	// given time, oldest first.
	CostEntries(ctx context.Context, scope, id string, since time.Time) ([]CostEntry, error)

	// CostSum returns the summed spend for scope/id created since the given
	// time.
	CostSum(ctx context.Context, scope, id string, since time.Time) (float64, error)

	// TotalCost returns the all-time spend for scope/id, bounded below by
	// since when non-nil.
	TotalCost(ctx context.Context, scope, id string, since *time.Time) (float64, error)
}

const totalCacheTTL = 5 * time.Minute

type totalEntry struct {
	value     float64
	expiresAt time.Time
}

// Store is the Redis-first cost/RPM/concurrency accounting layer.
type Store struct {
	rdb    *redis.Client
	warm   WarmSource
	totals *otter.Cache[string, totalEntry]
	now    func() time.Time
}

// NewStore builds the accounting layer over Redis and a SQL warm source.
func NewStore(rdb *redis.Client, warm WarmSource) (*Store, error) {
	totals, err := otter.New[string, totalEntry](&otter.Options[string, totalEntry]{
		MaximumSize:      10_000,
		ExpiryCalculator: otter.ExpiryWriting[string, totalEntry](totalCacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create totals cache: %w", err)
	}
	return &Store{rdb: rdb, warm: warm, totals: totals, now: time.Now}, nil
}

// RollingCost returns the spend inside the trailing window for scope/id,
// plus when the oldest counted entry leaves the window. An absent ZSET is
// rebuilt from SQL with the entries' real timestamps before the sum is
// taken.
func (s *Store) RollingCost(ctx context.Context, scope, id, period string, window time.Duration) (float64, time.Time, error) {
	key := rollingKey(scope, id, period)
	sum, oldest, present, err := s.runRollingSum(ctx, key, window)
	if err != nil {
		return 0, time.Time{}, err
	}
	if present {
		return sum, resetFromOldest(oldest, window, s.now()), nil
	}

	if err = s.warmRolling(ctx, scope, id, key, window); err != nil {
		return 0, time.Time{}, err
	}
	sum, oldest, _, err = s.runRollingSum(ctx, key, window)
	return sum, resetFromOldest(oldest, window, s.now()), err
}

func resetFromOldest(oldest time.Time, window time.Duration, now time.Time) time.Time {
	if oldest.IsZero() {
		return now.Add(window)
	}
	return oldest.Add(window)
}

func (s *Store) runRollingSum(ctx context.Context, key string, window time.Duration) (float64, time.Time, bool, error) {
	ttl := int64((window + rollingTTLSlack).Seconds())
	raw, err := rollingSumScript.Run(ctx, s.rdb, []string{key},
		s.now().UnixMilli(), window.Milliseconds(), ttl).Result()
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("rolling sum: %w", err)
	}
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return 0, time.Time{}, false, fmt.Errorf("rolling sum: unexpected reply %v", raw)
	}
	flag, _ := reply[0].(int64)
	if flag == -1 {
		return 0, time.Time{}, false, nil
	}
	sumStr, _ := reply[1].(string)
	sum, err := strconv.ParseFloat(sumStr, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("rolling sum: parse %q: %w", sumStr, err)
	}
	var oldest time.Time
	oldestStr, _ := reply[2].(string)
	if oldestMs, errParse := strconv.ParseFloat(oldestStr, 64); errParse == nil && oldestMs > 0 {
		oldest = time.UnixMilli(int64(oldestMs))
	}
	return sum, oldest, true, nil
}

// warmRolling rebuilds a rolling ZSET from SQL. A zero-cost marker entry is
// always added so an empty history still counts as warmed.
func (s *Store) warmRolling(ctx context.Context, scope, id, key string, window time.Duration) error {
	now := s.now()
	entries, err := s.warm.CostEntries(ctx, scope, id, now.Add(-window))
	if err != nil {
		return fmt.Errorf("warm rolling %s: %w", key, err)
	}
	pipe := s.rdb.TxPipeline()
	members := make([]redis.Z, 0, len(entries)+1)
	for _, e := range entries {
		members = append(members, redis.Z{
			Score:  float64(e.CreatedAt.UnixMilli()),
			Member: rollingMember(e.CreatedAt, e.RequestID, e.Cost),
		})
	}
	members = append(members, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: rollingMember(now, "warmed", 0),
	})
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, window+rollingTTLSlack)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("warm rolling %s: %w", key, err)
	}
	log.Debugf("ratelimit: warmed %s with %d entries", key, len(entries))
	return nil
}

// FixedCost returns the spend inside the current fixed window. The window
// start and end define the counter's identity and expiry; absent counters
// are warmed with a SQL sum since the window start.
func (s *Store) FixedCost(ctx context.Context, scope, id, period, suffix string, windowStart, windowEnd time.Time) (float64, error) {
	key := fixedKey(scope, id, period, suffix)
	raw, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		value, errParse := strconv.ParseFloat(raw, 64)
		if errParse != nil {
			return 0, fmt.Errorf("fixed cost %s: parse %q: %w", key, raw, errParse)
		}
		return value, nil
	}
	if err != redis.Nil {
		return 0, fmt.Errorf("fixed cost %s: %w", key, err)
	}

	sum, err := s.warm.CostSum(ctx, scope, id, windowStart)
	if err != nil {
		return 0, fmt.Errorf("warm fixed %s: %w", key, err)
	}
	ttl := windowEnd.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err = s.rdb.SetEx(ctx, key, strconv.FormatFloat(sum, 'f', -1, 64), ttl).Err(); err != nil {
		return 0, fmt.Errorf("warm fixed %s: %w", key, err)
	}
	log.Debugf("ratelimit: warmed %s = %.6f", key, sum)
	return sum, nil
}

// TotalCost returns the all-time spend for scope/id, cached for five
// minutes. since bounds the aggregate for providers with a reset timestamp.
func (s *Store) TotalCost(ctx context.Context, scope, id string, since *time.Time) (float64, error) {
	cacheKey := scope + ":" + id
	if since != nil {
		cacheKey += ":" + strconv.FormatInt(since.Unix(), 10)
	}
	if e, ok := s.totals.GetIfPresent(cacheKey); ok && s.now().Before(e.expiresAt) {
		return e.value, nil
	}
	total, err := s.warm.TotalCost(ctx, scope, id, since)
	if err != nil {
		return 0, fmt.Errorf("total cost %s: %w", cacheKey, err)
	}
	s.totals.Set(cacheKey, totalEntry{value: total, expiresAt: s.now().Add(totalCacheTTL)})
	return total, nil
}

// CheckRPM atomically admits one request against the per-minute budget.
// resetAt reports when the oldest counted request leaves the window.
func (s *Store) CheckRPM(ctx context.Context, scope, id string, limit int64, requestID string) (allowed bool, count int64, resetAt time.Time, err error) {
	now := s.now()
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), requestID)
	raw, err := rpmCheckScript.Run(ctx, s.rdb, []string{rpmKey(scope, id)},
		now.UnixMilli(), limit, member).Result()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rpm check: %w", err)
	}
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("rpm check: unexpected reply %v", raw)
	}
	allowedFlag, _ := reply[0].(int64)
	count, _ = reply[1].(int64)
	if allowedFlag == 1 {
		return true, count, time.Time{}, nil
	}
	oldestStr, _ := reply[2].(string)
	if oldestMs, errParse := strconv.ParseFloat(oldestStr, 64); errParse == nil && oldestMs > 0 {
		resetAt = time.UnixMilli(int64(oldestMs)).Add(windowRPM)
	} else {
		resetAt = now.Add(windowRPM)
	}
	return false, count, resetAt, nil
}

// AdmitSession atomically tracks sessionID in the subject's active-session
// set, admitting it only below the limit. Already-tracked sessions re-admit
// for free.
func (s *Store) AdmitSession(ctx context.Context, scope, id, sessionID string, limit int64) (allowed bool, count int64, err error) {
	raw, err := concurrencyScript.Run(ctx, s.rdb, []string{concurrentKey(scope, id)},
		s.now().UnixMilli(), concurrentSessionTTL.Milliseconds(), limit, sessionID).Result()
	if err != nil {
		return false, 0, fmt.Errorf("concurrency admit: %w", err)
	}
	reply, ok := raw.([]interface{})
	if !ok || len(reply) != 3 {
		return false, 0, fmt.Errorf("concurrency admit: unexpected reply %v", raw)
	}
	allowedFlag, _ := reply[0].(int64)
	count, _ = reply[1].(int64)
	return allowedFlag == 1, count, nil
}

// ReleaseSession removes sessionID from the subject's active-session set.
// Sessions normally age out by TTL; explicit release is for terminal
// failures that should free the slot immediately.
func (s *Store) ReleaseSession(ctx context.Context, scope, id, sessionID string) error {
	return s.rdb.ZRem(ctx, concurrentKey(scope, id), sessionID).Err()
}

// TrackCost records a completed request's spend across the subject's period
// structures: the 5h rolling ZSET always, daily as rolling ZSET or fixed
// counter per the reset config, and the weekly and monthly fixed counters.
func (s *Store) TrackCost(ctx context.Context, scope, id string, cost float64, requestID string, reset ResetConfig) error {
	now := s.now()
	member5h := rollingMember(now, requestID, cost)
	pipe := s.rdb.TxPipeline()

	key5h := rollingKey(scope, id, Period5h)
	pipe.ZAdd(ctx, key5h, redis.Z{Score: float64(now.UnixMilli()), Member: member5h})
	pipe.Expire(ctx, key5h, window5h+rollingTTLSlack)

	if reset.Rolling() {
		keyDaily := rollingKey(scope, id, PeriodDaily)
		pipe.ZAdd(ctx, keyDaily, redis.Z{Score: float64(now.UnixMilli()), Member: member5h})
		pipe.Expire(ctx, keyDaily, windowDaily+rollingTTLSlack)
	} else {
		keyDaily := fixedKey(scope, id, PeriodDaily, reset.Suffix())
		pipe.IncrByFloat(ctx, keyDaily, cost)
		pipe.ExpireAt(ctx, keyDaily, reset.NextDailyBoundary(now))
	}

	keyWeekly := fixedKey(scope, id, PeriodWeekly, "")
	pipe.IncrByFloat(ctx, keyWeekly, cost)
	pipe.ExpireAt(ctx, keyWeekly, NextWeeklyBoundary(now))

	keyMonthly := fixedKey(scope, id, PeriodMonthly, "")
	pipe.IncrByFloat(ctx, keyMonthly, cost)
	pipe.ExpireAt(ctx, keyMonthly, NextMonthlyBoundary(now))

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track cost %s:%s: %w", scope, id, err)
	}
	return nil
}

// TrackDailyOnly records spend in the subject's daily structure alone; the
// user scope tracks only its daily window, the full families being key- and
// provider-scoped.
func (s *Store) TrackDailyOnly(ctx context.Context, scope, id string, cost float64, requestID string, reset ResetConfig) error {
	now := s.now()
	pipe := s.rdb.TxPipeline()
	if reset.Rolling() {
		keyDaily := rollingKey(scope, id, PeriodDaily)
		pipe.ZAdd(ctx, keyDaily, redis.Z{Score: float64(now.UnixMilli()), Member: rollingMember(now, requestID, cost)})
		pipe.Expire(ctx, keyDaily, windowDaily+rollingTTLSlack)
	} else {
		keyDaily := fixedKey(scope, id, PeriodDaily, reset.Suffix())
		pipe.IncrByFloat(ctx, keyDaily, cost)
		pipe.ExpireAt(ctx, keyDaily, reset.NextDailyBoundary(now))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("track daily %s:%s: %w", scope, id, err)
	}
	return nil
}
