package pricing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticSource struct {
	prices []Price
	calls  int
}

func (s *staticSource) Prices(context.Context) ([]Price, error) {
	s.calls++
	return s.prices, nil
}

func sonnetPrice() Price {
	return Price{
		Model:        "claude-sonnet-4-20250514",
		Input:        3.0,
		Output:       15.0,
		CacheWrite5m: 3.75,
		CacheWrite1h: 6.0,
		CacheRead:    0.3,
	}
}

func TestComputeCost(t *testing.T) {
	t.Parallel()

	usage := Usage{
		InputTokens:           1000,
		OutputTokens:          2000,
		CacheCreation5mTokens: 500,
		CacheReadTokens:       10000,
	}
	cost := Compute(sonnetPrice(), usage, 1)
	// 1000*3 + 2000*15 + 500*3.75 + 10000*0.3 = 37875 per million
	require.InDelta(t, 0.037875, cost, 1e-9)

	require.InDelta(t, 0.0757500, Compute(sonnetPrice(), usage, 2), 1e-9)
	// Multiplier zero means unset and behaves as 1.
	require.InDelta(t, cost, Compute(sonnetPrice(), usage, 0), 1e-9)
}

func TestTableLoadsOnce(t *testing.T) {
	t.Parallel()

	src := &staticSource{prices: []Price{sonnetPrice()}}
	table := NewTable(src)
	ctx := context.Background()

	_, ok, err := table.Lookup(ctx, "CLAUDE-SONNET-4-20250514")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = table.Lookup(ctx, "gpt-4o")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, src.calls)

	table.Invalidate()
	_, _, err = table.Lookup(ctx, "claude-sonnet-4-20250514")
	require.NoError(t, err)
	require.Equal(t, 2, src.calls)
}

func TestResolveBillingModel(t *testing.T) {
	t.Parallel()

	src := &staticSource{prices: []Price{sonnetPrice(), {Model: "gpt-4o", Input: 2.5, Output: 10}}}
	table := NewTable(src)
	ctx := context.Background()

	// original source bills the pre-redirect model.
	price, model, ok, err := ResolveBillingModel(ctx, table, "original", "claude-sonnet-4-20250514", "gpt-4o")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "claude-sonnet-4-20250514", model)
	require.Equal(t, 3.0, price.Input)

	// redirected source bills the model actually sent upstream.
	_, model, ok, err = ResolveBillingModel(ctx, table, "redirected", "claude-sonnet-4-20250514", "gpt-4o")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gpt-4o", model)

	// Missing primary falls back to the other candidate.
	_, model, ok, err = ResolveBillingModel(ctx, table, "original", "unknown-model", "gpt-4o")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "gpt-4o", model)

	// Neither candidate priced: the request proceeds unbilled.
	_, _, ok, err = ResolveBillingModel(ctx, table, "original", "unknown-a", "unknown-b")
	require.NoError(t, err)
	require.False(t, ok)
}
