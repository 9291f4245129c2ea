package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/routegate/routegate/internal/ratelimit"
)

func TestInsertBlockedRow(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	repo := NewMessageRequestRepository(db)

	blocked := BlockedByWarmup
	row := &MessageRequest{
		ID:            "req-1",
		UserID:        "u1",
		KeyHash:       "h1",
		SessionID:     "sess_abc",
		Sequence:      1,
		Format:        "claude",
		Endpoint:      "/v1/messages",
		ClientUA:      "claude-cli/1.0",
		OriginalModel: "claude-sonnet-4",
		Model:         "claude-sonnet-4",
		BlockedBy:     &blocked,
		StatusCode:    200,
	}

	mock.ExpectExec(regexp.QuoteMeta(insertRequestQuery)).
		WithArgs(
			"req-1", sqlmock.AnyArg(), "u1", "h1", "sess_abc", int64(1),
			"claude", "/v1/messages", "claude-cli/1.0", "claude-sonnet-4", "claude-sonnet-4", "",
			nil, &blocked, 200, int64(0), int64(0),
			int64(0), int64(0), int64(0),
			int64(0), int64(0), 0.0, false,
			nil, "", "", nil,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, repo.Insert(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateFinalRow(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	repo := NewMessageRequestRepository(db)

	providerID := "p1"
	row := &MessageRequest{
		ID:           "req-1",
		FinalModel:   "qwen-max",
		ProviderID:   &providerID,
		StatusCode:   200,
		DurationMs:   1200,
		TTFBMs:       300,
		InputTokens:  10,
		OutputTokens: 25,
		Cost:         0.0125,
		Context1M:    true,
		ProviderChain: []byte(
			`[{"providerId":"p1","reason":"request_success"}]`),
	}

	mock.ExpectExec(regexp.QuoteMeta(updateRequestQuery)).
		WithArgs(
			"req-1", "qwen-max", &providerID, 200,
			int64(1200), int64(300),
			int64(10), int64(25), int64(0),
			int64(0), int64(0), 0.0125,
			true, row.ProviderChain, "",
			"", nil,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateFinal(context.Background(), row))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCostEntriesMapsScopeToColumn(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	repo := NewMessageRequestRepository(db)

	since := time.Date(2026, 6, 1, 7, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT id, created_at, cost FROM message_requests WHERE key_hash = $1 AND created_at >= $2 AND cost > 0 ORDER BY created_at ASC`)).
		WithArgs("h1", since).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "cost"}).
			AddRow("req-1", since.Add(time.Minute), 0.5).
			AddRow("req-2", since.Add(2*time.Minute), 1.25))

	entries, err := repo.CostEntries(context.Background(), ratelimit.ScopeKey, "h1", since)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "req-1", entries[0].RequestID)
	require.InDelta(t, 1.25, entries[1].Cost, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCostSumProviderScope(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	repo := NewMessageRequestRepository(db)

	since := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT COALESCE(SUM(cost), 0) FROM message_requests WHERE provider_id = $1 AND created_at >= $2`)).
		WithArgs("p1", since).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(12.5))

	sum, err := repo.CostSum(context.Background(), ratelimit.ScopeProvider, "p1", since)
	require.NoError(t, err)
	require.InDelta(t, 12.5, sum, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTotalCostWithAndWithoutSince(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	repo := NewMessageRequestRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT COALESCE(SUM(cost), 0) FROM message_requests WHERE user_id = $1`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(99.0))
	total, err := repo.TotalCost(context.Background(), ratelimit.ScopeUser, "u1", nil)
	require.NoError(t, err)
	require.InDelta(t, 99.0, total, 1e-9)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(
		`SELECT COALESCE(SUM(cost), 0) FROM message_requests WHERE provider_id = $1 AND created_at >= $2`)).
		WithArgs("p1", since).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(4.0))
	bounded, err := repo.TotalCost(context.Background(), ratelimit.ScopeProvider, "p1", &since)
	require.NoError(t, err)
	require.InDelta(t, 4.0, bounded, 1e-9)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnknownScopeRejected(t *testing.T) {
	t.Parallel()
	db, _ := newMockDB(t)
	repo := NewMessageRequestRepository(db)

	_, err := repo.CostSum(context.Background(), "tenant", "x", time.Now())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown cost scope")
}
