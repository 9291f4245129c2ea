package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/routegate/routegate/internal/ratelimit"
)

// ErrKeyNotFound marks a credential hash with no matching row.
var ErrKeyNotFound = errors.New("store: key not found")

// HashKey derives the stable lookup identifier from a raw credential.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyRepository resolves credentials against the api_keys and users tables.
type KeyRepository struct {
	db *sql.DB
}

// NewKeyRepository builds the repository over an open pool.
func NewKeyRepository(db *sql.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

const lookupKeyQuery = `
SELECT k.key_hash, k.user_id, k.name, k.enabled, k.provider_group,
       k.limit_total_usd, k.limit_5h_usd, k.limit_daily_usd, k.limit_weekly_usd, k.limit_monthly_usd,
       k.limit_concurrent_sessions, k.daily_reset_time, k.daily_reset_mode,
       u.name, u.enabled, u.expires_at, u.provider_group,
       u.limit_total_usd, u.limit_5h_usd, u.limit_daily_usd, u.limit_weekly_usd, u.limit_monthly_usd,
       u.rpm, u.daily_reset_time, u.daily_reset_mode, u.allowed_clients, u.allowed_models
FROM api_keys k
JOIN users u ON u.id = k.user_id
WHERE k.key_hash = $1`

// LookupByHash returns the key and its owning user. Disabled rows are
// returned as-is; enforcement is the auth guard's job. ErrKeyNotFound marks
// an unknown hash.
func (r *KeyRepository) LookupByHash(ctx context.Context, hash string) (*Key, *User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		key  Key
		user User

		keyTotal, key5h, keyDaily, keyWeekly, keyMonthly      sql.NullFloat64
		userTotal, user5h, userDaily, userWeekly, userMonthly sql.NullFloat64
		keyConcurrent, userRPM                                sql.NullInt64
		expiresAt                                             sql.NullTime
		keyResetTime, keyResetMode                            sql.NullString
		userResetTime, userResetMode                          sql.NullString
		allowedClients, allowedModels                         pq.StringArray
	)
	err := r.db.QueryRowContext(ctx, lookupKeyQuery, hash).Scan(
		&key.Hash, &key.UserID, &key.Name, &key.Enabled, &key.ProviderGroup,
		&keyTotal, &key5h, &keyDaily, &keyWeekly, &keyMonthly,
		&keyConcurrent, &keyResetTime, &keyResetMode,
		&user.Name, &user.Enabled, &expiresAt, &user.ProviderGroup,
		&userTotal, &user5h, &userDaily, &userWeekly, &userMonthly,
		&userRPM, &userResetTime, &userResetMode, &allowedClients, &allowedModels,
	)
	if err == sql.ErrNoRows {
		return nil, nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lookup key: %w", err)
	}

	user.ID = key.UserID
	key.Limits = ratelimit.PeriodLimits{
		Total: nullFloat(keyTotal), FiveH: nullFloat(key5h), Daily: nullFloat(keyDaily),
		Weekly: nullFloat(keyWeekly), Monthly: nullFloat(keyMonthly),
	}
	user.Limits = ratelimit.PeriodLimits{
		Total: nullFloat(userTotal), FiveH: nullFloat(user5h), Daily: nullFloat(userDaily),
		Weekly: nullFloat(userWeekly), Monthly: nullFloat(userMonthly),
	}
	key.ConcurrentSessions = nullInt(keyConcurrent)
	user.RPM = nullInt(userRPM)
	if expiresAt.Valid {
		t := expiresAt.Time
		user.ExpiresAt = &t
	}
	key.Reset = resetConfig(keyResetTime, keyResetMode)
	user.Reset = resetConfig(userResetTime, userResetMode)
	user.AllowedClients = allowedClients
	user.AllowedModels = allowedModels
	return &key, &user, nil
}

// TouchLastUsed stamps the key's last activity. Best-effort; callers usually
// fire it in the background.
func (r *KeyRepository) TouchLastUsed(ctx context.Context, hash string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE key_hash = $1`, hash); err != nil {
		return fmt.Errorf("touch key: %w", err)
	}
	return nil
}

// MarkUserExpired disables an account whose expiry has passed, so later
// lookups fail fast without re-checking the timestamp.
func (r *KeyRepository) MarkUserExpired(ctx context.Context, userID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET enabled = FALSE WHERE id = $1 AND expires_at IS NOT NULL AND expires_at < NOW()`, userID)
	if err != nil {
		return fmt.Errorf("mark user expired: %w", err)
	}
	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	i := v.Int64
	return &i
}

func resetConfig(t, mode sql.NullString) ratelimit.ResetConfig {
	return ratelimit.ResetConfig{Time: t.String, Mode: mode.String}
}
