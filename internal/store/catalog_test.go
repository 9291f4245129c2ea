package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var providerColumns = []string{
	"id", "name", "url", "api_key", "provider_type", "group_tag", "priority", "weight",
	"cost_multiplier", "allowed_models", "model_redirects", "join_claude_pool",
	"context_1m", "limit_total_usd", "limit_5h_usd", "limit_daily_usd",
	"limit_weekly_usd", "limit_monthly_usd", "daily_reset_time", "daily_reset_mode",
	"total_reset_at", "limit_concurrent_sessions", "streaming_idle_timeout_ms",
	"request_timeout_ms", "proxy_url", "use_http2",
}

func TestEnabledProvidersScan(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	catalog := NewCatalog(db)

	resetAt := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(enabledProvidersQuery)).
		WillReturnRows(sqlmock.NewRows(providerColumns).
			AddRow(
				"p1", "anthropic-main", "https://api.anthropic.com", "sk-ant", "claude", "default", 1, 10,
				1.0, nil, nil, false,
				"inherit", 500.0, nil, nil,
				nil, nil, "00:00", "fixed",
				nil, 5, 60_000,
				nil, nil, true,
			).
			AddRow(
				"p2", "qwen-pool", "https://dashscope.aliyuncs.com/compatible-mode", "sk-qw", "openai-compatible", "2api,default", 2, 5,
				0.2, "{qwen-max,qwen-plus}", `{"claude-sonnet-4":"qwen-max"}`, true,
				"disabled", nil, nil, 40.0,
				nil, nil, "", "rolling",
				resetAt, 0, nil,
				300_000, "socks5://127.0.0.1:1080", false,
			))

	providers, err := catalog.EnabledProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 2)

	main := providers[0]
	require.Equal(t, "p1", main.ID)
	require.Equal(t, "claude", main.Type)
	require.True(t, main.Enabled)
	require.True(t, main.UseHTTP2)
	require.NotNil(t, main.Limits.Total)
	require.Equal(t, 500.0, *main.Limits.Total)
	require.Nil(t, main.TotalResetAt)
	require.Equal(t, int64(5), main.ConcurrentSessions)
	require.Equal(t, time.Minute, main.StreamingIdleTimeout)
	require.Zero(t, main.RequestTimeout)
	require.Empty(t, main.ModelRedirects)

	pool := providers[1]
	require.Equal(t, "qwen-max", pool.ModelRedirects["claude-sonnet-4"])
	require.Equal(t, []string{"qwen-max", "qwen-plus"}, pool.AllowedModels)
	require.True(t, pool.JoinClaudePool)
	require.NotNil(t, pool.TotalResetAt)
	require.Equal(t, resetAt, pool.TotalResetAt.UTC())
	require.Equal(t, 5*time.Minute, pool.RequestTimeout)
	require.Equal(t, "socks5://127.0.0.1:1080", pool.Proxy)
	require.True(t, pool.Reset.Rolling())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnabledProvidersToleratesBadRedirects(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	catalog := NewCatalog(db)

	mock.ExpectQuery(regexp.QuoteMeta(enabledProvidersQuery)).
		WillReturnRows(sqlmock.NewRows(providerColumns).
			AddRow(
				"p1", "x", "https://x", "k", "claude", "", 1, 1,
				1.0, nil, `{broken`, false,
				"inherit", nil, nil, nil,
				nil, nil, "", "",
				nil, 0, nil,
				nil, nil, false,
			))

	providers, err := catalog.EnabledProviders(context.Background())
	require.NoError(t, err)
	require.Len(t, providers, 1)
	require.Nil(t, providers[0].ModelRedirects)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorRulesScan(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	catalog := NewCatalog(db)

	mock.ExpectQuery(regexp.QuoteMeta(errorRulesQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "pattern", "match_type", "non_retryable", "override_body", "override_status"}).
			AddRow(1, "quota exceeded", "contains", true, `{"error":{"type":"rate_limit_error","message":"upstream quota"}}`, 429).
			AddRow(2, "^insufficient", "regex", false, nil, nil))

	rules, err := catalog.ErrorRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.True(t, rules[0].NonRetryable)
	require.Equal(t, 429, rules[0].OverrideStatus)
	require.Empty(t, rules[1].OverrideBody)
	require.Zero(t, rules[1].OverrideStatus)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestFiltersScan(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	catalog := NewCatalog(db)

	mock.ExpectQuery(regexp.QuoteMeta(requestFiltersQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "scope", "action", "match_type", "target", "replacement", "provider_id", "group_tag"}).
			AddRow(1, "header", "remove", "exact", "X-Stainless-Lang", "", nil, nil).
			AddRow(2, "body", "set", "", "metadata.source", "gateway", "p1", nil))

	rules, err := catalog.RequestFilters(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.True(t, rules[0].Global())
	require.False(t, rules[1].Global())
	require.Equal(t, "p1", rules[1].ProviderID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPricesScan(t *testing.T) {
	t.Parallel()
	db, mock := newMockDB(t)
	catalog := NewCatalog(db)

	mock.ExpectQuery(regexp.QuoteMeta(pricesQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"model", "input", "output", "cw5m", "cw1h", "cr"}).
			AddRow("claude-sonnet-4", 3.0, 15.0, 3.75, 6.0, 0.3))

	prices, err := catalog.Prices(context.Background())
	require.NoError(t, err)
	require.Len(t, prices, 1)
	require.Equal(t, "claude-sonnet-4", prices[0].Model)
	require.InDelta(t, 15.0, prices[0].Output, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}
