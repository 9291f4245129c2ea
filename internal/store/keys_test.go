package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

var lookupColumns = []string{
	"key_hash", "user_id", "key_name", "key_enabled", "key_group",
	"k_total", "k_5h", "k_daily", "k_weekly", "k_monthly",
	"k_concurrent", "k_reset_time", "k_reset_mode",
	"user_name", "user_enabled", "expires_at", "user_group",
	"u_total", "u_5h", "u_daily", "u_weekly", "u_monthly",
	"rpm", "u_reset_time", "u_reset_mode", "allowed_clients", "allowed_models",
}

func TestLookupByHashScansLimitsAndArrays(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	repo := NewKeyRepository(db)

	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(lookupKeyQuery)).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows(lookupColumns).AddRow(
			"h1", "u1", "ci-key", true, "team-a",
			100.0, nil, nil, nil, nil,
			3, "08:00", "fixed",
			"Acme", true, expires, "",
			nil, nil, 50.0, nil, nil,
			60, nil, "rolling", "{claude-cli,cursor}", "{claude-sonnet-4}",
		))

	key, user, err := repo.LookupByHash(context.Background(), "h1")
	require.NoError(t, err)

	require.Equal(t, "h1", key.Hash)
	require.Equal(t, "u1", key.UserID)
	require.True(t, key.Enabled)
	require.NotNil(t, key.Limits.Total)
	require.Equal(t, 100.0, *key.Limits.Total)
	require.Nil(t, key.Limits.Daily)
	require.NotNil(t, key.ConcurrentSessions)
	require.Equal(t, int64(3), *key.ConcurrentSessions)
	require.Equal(t, "0800", key.Reset.Suffix())
	require.Equal(t, "team-a", key.EffectiveGroup(user))

	require.Equal(t, "u1", user.ID)
	require.Equal(t, "Acme", user.Name)
	require.NotNil(t, user.ExpiresAt)
	require.NotNil(t, user.Limits.Daily)
	require.Equal(t, 50.0, *user.Limits.Daily)
	require.NotNil(t, user.RPM)
	require.Equal(t, int64(60), *user.RPM)
	require.True(t, user.Reset.Rolling())
	require.Equal(t, []string{"claude-cli", "cursor"}, user.AllowedClients)
	require.True(t, user.AllowsModel("CLAUDE-SONNET-4"))
	require.False(t, user.AllowsModel("gpt-4o"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupByHashNotFound(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	repo := NewKeyRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(lookupKeyQuery)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, _, err := repo.LookupByHash(context.Background(), "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchLastUsedAndMarkExpired(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	repo := NewKeyRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE api_keys SET last_used_at = NOW() WHERE key_hash = $1`)).
		WithArgs("h1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.TouchLastUsed(context.Background(), "h1"))

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET enabled = FALSE WHERE id = $1 AND expires_at IS NOT NULL AND expires_at < NOW()`)).
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.MarkUserExpired(context.Background(), "u1"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHashKeyStable(t *testing.T) {
	t.Parallel()

	h := HashKey("sk-test-123")
	require.Len(t, h, 64)
	require.Equal(t, h, HashKey("sk-test-123"))
	require.NotEqual(t, h, HashKey("sk-test-124"))
}

func TestUserExpired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	require.False(t, (&User{}).Expired(now))
	require.True(t, (&User{ExpiresAt: &past}).Expired(now))
	require.False(t, (&User{ExpiresAt: &future}).Expired(now))
}

func TestEffectiveGroupFallback(t *testing.T) {
	t.Parallel()

	user := &User{ProviderGroup: "org"}
	require.Equal(t, "org", (&Key{}).EffectiveGroup(user))
	require.Equal(t, "default", (&Key{}).EffectiveGroup(&User{}))
	require.Equal(t, "mine", (&Key{ProviderGroup: "mine"}).EffectiveGroup(user))
}
