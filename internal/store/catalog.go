package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/pricing"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/ratelimit"
	"github.com/routegate/routegate/internal/reqfilter"
)

// Catalog loads the operator-managed tables: providers, error rules, request
// filters, and model prices. It backs the cached registries, which decide
// when to reload.
type Catalog struct {
	db *sql.DB
}

var (
	_ provider.Source     = (*Catalog)(nil)
	_ proxyerr.RuleSource = (*Catalog)(nil)
	_ reqfilter.Source    = (*Catalog)(nil)
	_ pricing.Source      = (*Catalog)(nil)
)

// NewCatalog builds the catalog over an open pool.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

const enabledProvidersQuery = `
SELECT id, name, url, api_key, provider_type, group_tag, priority, weight,
       cost_multiplier, allowed_models, model_redirects, join_claude_pool,
       context_1m, limit_total_usd, limit_5h_usd, limit_daily_usd,
       limit_weekly_usd, limit_monthly_usd, daily_reset_time, daily_reset_mode,
       total_reset_at, limit_concurrent_sessions, streaming_idle_timeout_ms,
       request_timeout_ms, proxy_url, use_http2
FROM providers
WHERE enabled = TRUE
ORDER BY priority ASC, name ASC`

// EnabledProviders returns the routable provider rows.
func (c *Catalog) EnabledProviders(ctx context.Context) ([]*provider.Provider, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, enabledProvidersQuery)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var providers []*provider.Provider
	for rows.Next() {
		p, errScan := scanProvider(rows)
		if errScan != nil {
			return nil, fmt.Errorf("load providers: %w", errScan)
		}
		providers = append(providers, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	return providers, nil
}

func scanProvider(rows *sql.Rows) (*provider.Provider, error) {
	var (
		p              provider.Provider
		allowedModels  pq.StringArray
		redirects      []byte
		limitTotal     sql.NullFloat64
		limit5h        sql.NullFloat64
		limitDaily     sql.NullFloat64
		limitWeekly    sql.NullFloat64
		limitMonthly   sql.NullFloat64
		resetTime      sql.NullString
		resetMode      sql.NullString
		totalResetAt   sql.NullTime
		concurrent     sql.NullInt64
		idleTimeoutMs  sql.NullInt64
		totalTimeoutMs sql.NullInt64
		proxyURL       sql.NullString
	)
	err := rows.Scan(
		&p.ID, &p.Name, &p.URL, &p.APIKey, &p.Type, &p.GroupTag, &p.Priority, &p.Weight,
		&p.CostMultiplier, &allowedModels, &redirects, &p.JoinClaudePool,
		&p.Context1M, &limitTotal, &limit5h, &limitDaily,
		&limitWeekly, &limitMonthly, &resetTime, &resetMode,
		&totalResetAt, &concurrent, &idleTimeoutMs,
		&totalTimeoutMs, &proxyURL, &p.UseHTTP2,
	)
	if err != nil {
		return nil, err
	}
	p.Enabled = true
	p.AllowedModels = allowedModels
	if len(redirects) > 0 {
		if err = json.Unmarshal(redirects, &p.ModelRedirects); err != nil {
			log.Warnf("provider %s: malformed model_redirects, ignoring: %v", p.ID, err)
			p.ModelRedirects = nil
		}
	}
	p.Limits = ratelimit.PeriodLimits{
		Total: nullFloat(limitTotal), FiveH: nullFloat(limit5h), Daily: nullFloat(limitDaily),
		Weekly: nullFloat(limitWeekly), Monthly: nullFloat(limitMonthly),
	}
	p.Reset = resetConfig(resetTime, resetMode)
	if totalResetAt.Valid {
		t := totalResetAt.Time
		p.TotalResetAt = &t
	}
	if concurrent.Valid {
		p.ConcurrentSessions = concurrent.Int64
	}
	if idleTimeoutMs.Valid {
		p.StreamingIdleTimeout = time.Duration(idleTimeoutMs.Int64) * time.Millisecond
	}
	if totalTimeoutMs.Valid {
		p.RequestTimeout = time.Duration(totalTimeoutMs.Int64) * time.Millisecond
	}
	p.Proxy = proxyURL.String
	return &p, nil
}

const errorRulesQuery = `
SELECT id, pattern, match_type, non_retryable, override_body, override_status
FROM error_rules
WHERE enabled = TRUE
ORDER BY id ASC`

// ErrorRules returns the enabled error-override rules.
func (c *Catalog) ErrorRules(ctx context.Context) ([]proxyerr.Rule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, errorRulesQuery)
	if err != nil {
		return nil, fmt.Errorf("load error rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []proxyerr.Rule
	for rows.Next() {
		var (
			rule           proxyerr.Rule
			overrideBody   sql.NullString
			overrideStatus sql.NullInt64
		)
		if err = rows.Scan(&rule.ID, &rule.Pattern, &rule.MatchType, &rule.NonRetryable, &overrideBody, &overrideStatus); err != nil {
			return nil, fmt.Errorf("load error rules: %w", err)
		}
		rule.OverrideBody = overrideBody.String
		rule.OverrideStatus = int(overrideStatus.Int64)
		rules = append(rules, rule)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("load error rules: %w", err)
	}
	return rules, nil
}

const requestFiltersQuery = `
SELECT id, scope, action, match_type, target, replacement, provider_id, group_tag
FROM request_filters
WHERE enabled = TRUE
ORDER BY id ASC`

// RequestFilters returns the enabled request-mutation rules.
func (c *Catalog) RequestFilters(ctx context.Context) ([]reqfilter.Rule, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, requestFiltersQuery)
	if err != nil {
		return nil, fmt.Errorf("load request filters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []reqfilter.Rule
	for rows.Next() {
		var (
			rule       reqfilter.Rule
			providerID sql.NullString
			groupTag   sql.NullString
		)
		if err = rows.Scan(&rule.ID, &rule.Scope, &rule.Action, &rule.MatchType, &rule.Target, &rule.Replacement, &providerID, &groupTag); err != nil {
			return nil, fmt.Errorf("load request filters: %w", err)
		}
		rule.ProviderID = providerID.String
		rule.GroupTag = groupTag.String
		rules = append(rules, rule)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("load request filters: %w", err)
	}
	return rules, nil
}

const pricesQuery = `
SELECT model, input_usd_per_mtok, output_usd_per_mtok,
       cache_write_5m_usd_per_mtok, cache_write_1h_usd_per_mtok,
       cache_read_usd_per_mtok
FROM model_prices`

// Prices returns the per-model price cards.
func (c *Catalog) Prices(ctx context.Context) ([]pricing.Price, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := c.db.QueryContext(ctx, pricesQuery)
	if err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prices []pricing.Price
	for rows.Next() {
		var p pricing.Price
		if err = rows.Scan(&p.Model, &p.Input, &p.Output, &p.CacheWrite5m, &p.CacheWrite1h, &p.CacheRead); err != nil {
			return nil, fmt.Errorf("load prices: %w", err)
		}
		prices = append(prices, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("load prices: %w", err)
	}
	return prices, nil
}
