package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/routegate/routegate/internal/ratelimit"
)

// MessageRequestRepository persists the per-request rows and answers the
// cost-aggregation queries that warm Redis after a flush.
type MessageRequestRepository struct {
	db *sql.DB
}

var _ ratelimit.WarmSource = (*MessageRequestRepository)(nil)

// NewMessageRequestRepository builds the repository over an open pool.
func NewMessageRequestRepository(db *sql.DB) *MessageRequestRepository {
	return &MessageRequestRepository{db: db}
}

const insertRequestQuery = `
INSERT INTO message_requests (
	id, created_at, user_id, key_hash, session_id, request_sequence,
	format, endpoint, client_ua, original_model, model, final_model,
	provider_id, blocked_by, status_code, duration_ms, ttfb_ms,
	input_tokens, output_tokens, cache_creation_5m_tokens,
	cache_creation_1h_tokens, cache_read_tokens, cost, context_1m,
	provider_chain, error_message, error_cause, special_settings
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`

// Insert writes the row created by the message-context guard. Rows answered
// locally (warmup, probe) arrive complete; proxied rows arrive mostly empty
// and are finalized by UpdateFinal.
func (r *MessageRequestRepository) Insert(ctx context.Context, row *MessageRequest) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	createdAt := row.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, insertRequestQuery,
		row.ID, createdAt, row.UserID, row.KeyHash, row.SessionID, row.Sequence,
		row.Format, row.Endpoint, row.ClientUA, row.OriginalModel, row.Model, row.FinalModel,
		row.ProviderID, row.BlockedBy, row.StatusCode, row.DurationMs, row.TTFBMs,
		row.InputTokens, row.OutputTokens, row.CacheCreation5mTokens,
		row.CacheCreation1hTokens, row.CacheReadTokens, row.Cost, row.Context1M,
		nullBytes(row.ProviderChain), row.ErrorMessage, row.ErrorCause, nullBytes(row.SpecialSettings),
	)
	if err != nil {
		return fmt.Errorf("insert message request: %w", err)
	}
	return nil
}

const updateRequestQuery = `
UPDATE message_requests SET
	final_model = $2, provider_id = $3, status_code = $4,
	duration_ms = $5, ttfb_ms = $6,
	input_tokens = $7, output_tokens = $8, cache_creation_5m_tokens = $9,
	cache_creation_1h_tokens = $10, cache_read_tokens = $11, cost = $12,
	context_1m = $13, provider_chain = $14, error_message = $15,
	error_cause = $16, special_settings = $17
WHERE id = $1`

// UpdateFinal rewrites the mutable columns of an inserted row in place once
// the request finishes. originalModel is deliberately not touched.
func (r *MessageRequestRepository) UpdateFinal(ctx context.Context, row *MessageRequest) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, updateRequestQuery,
		row.ID, row.FinalModel, row.ProviderID, row.StatusCode,
		row.DurationMs, row.TTFBMs,
		row.InputTokens, row.OutputTokens, row.CacheCreation5mTokens,
		row.CacheCreation1hTokens, row.CacheReadTokens, row.Cost,
		row.Context1M, nullBytes(row.ProviderChain), row.ErrorMessage,
		row.ErrorCause, nullBytes(row.SpecialSettings),
	)
	if err != nil {
		return fmt.Errorf("update message request: %w", err)
	}
	return nil
}

// scopeColumn maps a cost-aggregation scope to its filter column.
func scopeColumn(scope string) (string, error) {
	switch scope {
	case ratelimit.ScopeKey:
		return "key_hash", nil
	case ratelimit.ScopeUser:
		return "user_id", nil
	case ratelimit.ScopeProvider:
		return "provider_id", nil
	default:
		return "", fmt.Errorf("unknown cost scope %q", scope)
	}
}

// CostEntries returns the spend entries for scope/id since the given time,
// oldest first; it rebuilds rolling windows after a Redis flush.
func (r *MessageRequestRepository) CostEntries(ctx context.Context, scope, id string, since time.Time) ([]ratelimit.CostEntry, error) {
	column, err := scopeColumn(scope)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(
		`SELECT id, created_at, cost FROM message_requests WHERE %s = $1 AND created_at >= $2 AND cost > 0 ORDER BY created_at ASC`,
		column)
	rows, err := r.db.QueryContext(ctx, query, id, since)
	if err != nil {
		return nil, fmt.Errorf("cost entries %s:%s: %w", scope, id, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ratelimit.CostEntry
	for rows.Next() {
		var e ratelimit.CostEntry
		if err = rows.Scan(&e.RequestID, &e.CreatedAt, &e.Cost); err != nil {
			return nil, fmt.Errorf("cost entries %s:%s: %w", scope, id, err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cost entries %s:%s: %w", scope, id, err)
	}
	return entries, nil
}

// CostSum returns the summed spend for scope/id since the given time.
func (r *MessageRequestRepository) CostSum(ctx context.Context, scope, id string, since time.Time) (float64, error) {
	column, err := scopeColumn(scope)
	if err != nil {
		return 0, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(
		`SELECT COALESCE(SUM(cost), 0) FROM message_requests WHERE %s = $1 AND created_at >= $2`,
		column)
	var sum float64
	if err = r.db.QueryRowContext(ctx, query, id, since).Scan(&sum); err != nil {
		return 0, fmt.Errorf("cost sum %s:%s: %w", scope, id, err)
	}
	return sum, nil
}

// TotalCost returns the all-time spend for scope/id, bounded below by since
// when non-nil (providers whose counter an operator reset).
func (r *MessageRequestRepository) TotalCost(ctx context.Context, scope, id string, since *time.Time) (float64, error) {
	column, err := scopeColumn(scope)
	if err != nil {
		return 0, err
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var sum float64
	if since != nil {
		query := fmt.Sprintf(
			`SELECT COALESCE(SUM(cost), 0) FROM message_requests WHERE %s = $1 AND created_at >= $2`,
			column)
		err = r.db.QueryRowContext(ctx, query, id, *since).Scan(&sum)
	} else {
		query := fmt.Sprintf(
			`SELECT COALESCE(SUM(cost), 0) FROM message_requests WHERE %s = $1`,
			column)
		err = r.db.QueryRowContext(ctx, query, id).Scan(&sum)
	}
	if err != nil {
		return 0, fmt.Errorf("total cost %s:%s: %w", scope, id, err)
	}
	return sum, nil
}

// nullBytes maps empty JSON blobs to NULL instead of empty strings.
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
