// Package circuit implements the per-provider circuit breaker. State lives
// in a Redis hash so every gateway instance sees the same view of a
// provider's health. Counts are written last-writer-wins; the threshold is
// an engineering setpoint, so a skew of one under contention is acceptable.
package circuit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen lets requests through while successes accumulate.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

func parseState(raw string) State {
	switch raw {
	case "open":
		return StateOpen
	case "half_open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}

const keyPrefix = "endpoint_circuit_breaker:state:"

// Hash field names.
const (
	fieldState             = "state"
	fieldFailureCount      = "failure_count"
	fieldLastFailureTime   = "last_failure_time"
	fieldOpenUntil         = "open_until"
	fieldHalfOpenSuccesses = "half_open_success_count"
)

// stateTTL keeps hashes of deleted providers from lingering forever.
const stateTTL = 24 * time.Hour

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold  int           // failures that open the circuit
	FailureWindow     time.Duration // how far back failures count
	Cooldown          time.Duration // open duration before half-open
	HalfOpenSuccesses int           // successes that close a half-open circuit
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		FailureWindow:     time.Minute,
		Cooldown:          5 * time.Minute,
		HalfOpenSuccesses: 2,
	}
}

// Snapshot is a point-in-time view of one provider's breaker.
type Snapshot struct {
	State             State
	FailureCount      int
	LastFailureTime   time.Time
	OpenUntil         time.Time
	HalfOpenSuccesses int
}

// Breaker tracks provider health in Redis.
type Breaker struct {
	rdb *redis.Client
	cfg Config
	now func() time.Time
}

// NewBreaker builds a breaker over the given Redis client.
func NewBreaker(rdb *redis.Client, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{rdb: rdb, cfg: cfg, now: time.Now}
}

// Threshold exposes the configured failure threshold for chain records.
func (b *Breaker) Threshold() int { return b.cfg.FailureThreshold }

// Snapshot reads the provider's breaker state. An open circuit whose
// cooldown has elapsed transitions to half-open here, on first touch.
func (b *Breaker) Snapshot(ctx context.Context, providerID string) (Snapshot, error) {
	fields, err := b.rdb.HGetAll(ctx, keyPrefix+providerID).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("circuit state read: %w", err)
	}
	snap := snapshotFromHash(fields)
	if snap.State == StateOpen && !b.now().Before(snap.OpenUntil) {
		snap.State = StateHalfOpen
		snap.HalfOpenSuccesses = 0
		if err = b.writeTransition(ctx, providerID, map[string]interface{}{
			fieldState:             StateHalfOpen.String(),
			fieldHalfOpenSuccesses: 0,
		}); err != nil {
			return snap, err
		}
		log.Debugf("circuit %s: open -> half_open (cooldown elapsed)", providerID)
	}
	return snap, nil
}

// RecordFailure counts a provider-side failure. Failures older than the
// window restart the count; reaching the threshold opens the circuit; any
// failure while half-open reopens it with a fresh cooldown.
func (b *Breaker) RecordFailure(ctx context.Context, providerID string) error {
	now := b.now()
	snap, err := b.Snapshot(ctx, providerID)
	if err != nil {
		return err
	}

	count := snap.FailureCount + 1
	if !snap.LastFailureTime.IsZero() && now.Sub(snap.LastFailureTime) > b.cfg.FailureWindow {
		count = 1
	}

	fields := map[string]interface{}{
		fieldFailureCount:    count,
		fieldLastFailureTime: now.UnixMilli(),
	}
	switch {
	case snap.State == StateHalfOpen:
		fields[fieldState] = StateOpen.String()
		fields[fieldOpenUntil] = now.Add(b.cfg.Cooldown).UnixMilli()
		fields[fieldHalfOpenSuccesses] = 0
		log.Warnf("circuit %s: half_open -> open (probe failed)", providerID)
	case snap.State == StateClosed && count >= b.cfg.FailureThreshold:
		fields[fieldState] = StateOpen.String()
		fields[fieldOpenUntil] = now.Add(b.cfg.Cooldown).UnixMilli()
		log.Warnf("circuit %s: closed -> open (%d failures)", providerID, count)
	}
	return b.writeTransition(ctx, providerID, fields)
}

// RecordSuccess counts a successful exchange. Enough successes while
// half-open close the circuit and clear the failure history.
func (b *Breaker) RecordSuccess(ctx context.Context, providerID string) error {
	snap, err := b.Snapshot(ctx, providerID)
	if err != nil {
		return err
	}
	if snap.State != StateHalfOpen {
		return nil
	}
	successes := snap.HalfOpenSuccesses + 1
	if successes >= b.cfg.HalfOpenSuccesses {
		log.Infof("circuit %s: half_open -> closed", providerID)
		return b.writeTransition(ctx, providerID, map[string]interface{}{
			fieldState:             StateClosed.String(),
			fieldFailureCount:      0,
			fieldHalfOpenSuccesses: 0,
			fieldOpenUntil:         0,
		})
	}
	return b.writeTransition(ctx, providerID, map[string]interface{}{
		fieldHalfOpenSuccesses: successes,
	})
}

// ProbeSuccess is the hook for the external probe scheduler: a successful
// probe moves an open circuit to half-open without waiting out the cooldown,
// and counts as a success when already half-open.
func (b *Breaker) ProbeSuccess(ctx context.Context, providerID string) error {
	snap, err := b.Snapshot(ctx, providerID)
	if err != nil {
		return err
	}
	switch snap.State {
	case StateOpen:
		log.Infof("circuit %s: open -> half_open (probe succeeded)", providerID)
		return b.writeTransition(ctx, providerID, map[string]interface{}{
			fieldState:             StateHalfOpen.String(),
			fieldHalfOpenSuccesses: 0,
		})
	case StateHalfOpen:
		return b.RecordSuccess(ctx, providerID)
	default:
		return nil
	}
}

func (b *Breaker) writeTransition(ctx context.Context, providerID string, fields map[string]interface{}) error {
	key := keyPrefix + providerID
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("circuit state write: %w", err)
	}
	return nil
}

func snapshotFromHash(fields map[string]string) Snapshot {
	snap := Snapshot{State: parseState(fields[fieldState])}
	if v, err := strconv.Atoi(fields[fieldFailureCount]); err == nil {
		snap.FailureCount = v
	}
	if v, err := strconv.ParseInt(fields[fieldLastFailureTime], 10, 64); err == nil && v > 0 {
		snap.LastFailureTime = time.UnixMilli(v)
	}
	if v, err := strconv.ParseInt(fields[fieldOpenUntil], 10, 64); err == nil && v > 0 {
		snap.OpenUntil = time.UnixMilli(v)
	}
	if v, err := strconv.Atoi(fields[fieldHalfOpenSuccesses]); err == nil {
		snap.HalfOpenSuccesses = v
	}
	return snap
}
