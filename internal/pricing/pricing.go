// Package pricing computes request cost from extracted token usage and the
// model price table. The table is loaded once from its source and kept until
// a configuration reload invalidates it; requests missing a price record are
// recorded with zero cost rather than rejected.
package pricing

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Price is the per-million-token price card for one model, in USD.
type Price struct {
	Model        string
	Input        float64
	Output       float64
	CacheWrite5m float64
	CacheWrite1h float64
	CacheRead    float64
}

// Usage is the normalized token usage extracted from an upstream response.
// Cache-creation tokens are split by TTL because Anthropic bills them at
// different rates.
type Usage struct {
	InputTokens           int64
	OutputTokens          int64
	CacheCreation5mTokens int64
	CacheCreation1hTokens int64
	CacheReadTokens       int64
}

// Total returns the overall token count across all usage categories.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreation5mTokens + u.CacheCreation1hTokens + u.CacheReadTokens
}

// Source loads the current price list, usually from SQL.
type Source interface {
	Prices(ctx context.Context) ([]Price, error)
}

// Table is the cached price lookup. Safe for concurrent use.
type Table struct {
	source Source

	mu     sync.RWMutex
	prices map[string]Price
	loaded bool

	group singleflight.Group
}

// NewTable builds an empty table over the given source. The first Lookup
// triggers the load; concurrent first lookups collapse into one query.
func NewTable(source Source) *Table {
	return &Table{source: source}
}

// Lookup returns the price card for a model. The model match is
// case-insensitive and exact.
func (t *Table) Lookup(ctx context.Context, model string) (Price, bool, error) {
	t.mu.RLock()
	if t.loaded {
		price, ok := t.prices[strings.ToLower(model)]
		t.mu.RUnlock()
		return price, ok, nil
	}
	t.mu.RUnlock()

	_, err, _ := t.group.Do("load", func() (interface{}, error) {
		return nil, t.load(ctx)
	})
	if err != nil {
		return Price{}, false, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	price, ok := t.prices[strings.ToLower(model)]
	return price, ok, nil
}

// Invalidate drops the cached table; the next Lookup reloads it.
func (t *Table) Invalidate() {
	t.mu.Lock()
	t.loaded = false
	t.prices = nil
	t.mu.Unlock()
}

func (t *Table) load(ctx context.Context) error {
	list, err := t.source.Prices(ctx)
	if err != nil {
		return err
	}
	prices := make(map[string]Price, len(list))
	for _, p := range list {
		prices[strings.ToLower(p.Model)] = p
	}
	t.mu.Lock()
	t.prices = prices
	t.loaded = true
	t.mu.Unlock()
	return nil
}

// Compute returns the USD cost of a request given its usage, a price card,
// and the provider's cost multiplier.
func Compute(price Price, usage Usage, multiplier float64) float64 {
	if multiplier == 0 {
		multiplier = 1
	}
	const million = 1_000_000
	cost := float64(usage.InputTokens)*price.Input +
		float64(usage.OutputTokens)*price.Output +
		float64(usage.CacheCreation5mTokens)*price.CacheWrite5m +
		float64(usage.CacheCreation1hTokens)*price.CacheWrite1h +
		float64(usage.CacheReadTokens)*price.CacheRead
	return cost / million * multiplier
}

// ResolveBillingModel picks the model whose price card bills this request.
// Under source "original" the pre-redirect model is the primary candidate;
// under "redirected" the model actually sent upstream is. When the primary
// has no price record the other candidate is tried. ok=false means neither
// has a record and the request proceeds unbilled.
func ResolveBillingModel(ctx context.Context, table *Table, source, originalModel, finalModel string) (Price, string, bool, error) {
	primary, secondary := originalModel, finalModel
	if source == "redirected" {
		primary, secondary = finalModel, originalModel
	}
	if primary != "" {
		price, ok, err := table.Lookup(ctx, primary)
		if err != nil {
			return Price{}, "", false, err
		}
		if ok {
			return price, primary, true, nil
		}
	}
	if secondary != "" && secondary != primary {
		price, ok, err := table.Lookup(ctx, secondary)
		if err != nil {
			return Price{}, "", false, err
		}
		if ok {
			return price, secondary, true, nil
		}
	}
	return Price{}, "", false, nil
}
