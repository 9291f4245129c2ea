package provider

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/routegate/routegate/internal/circuit"
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/ratelimit"
)

type staticSource []*Provider

func (s staticSource) EnabledProviders(context.Context) ([]*Provider, error) { return s, nil }

// stubWarm satisfies the rate-limit warm source with canned aggregates.
type stubWarm struct {
	entries []ratelimit.CostEntry
	sum     float64
	total   float64
}

func (s *stubWarm) CostEntries(context.Context, string, string, time.Time) ([]ratelimit.CostEntry, error) {
	return s.entries, nil
}

func (s *stubWarm) CostSum(context.Context, string, string, time.Time) (float64, error) {
	return s.sum, nil
}

func (s *stubWarm) TotalCost(context.Context, string, string, *time.Time) (float64, error) {
	return s.total, nil
}

type selectorHarness struct {
	sel     *Selector
	checker *ratelimit.Checker
	breaker *circuit.Breaker
}

func newSelectorHarness(t *testing.T, warm ratelimit.WarmSource, providers ...*Provider) *selectorHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st, err := ratelimit.NewStore(client, warm)
	require.NoError(t, err)
	checker := ratelimit.NewChecker(st)
	breaker := circuit.NewBreaker(client, circuit.DefaultConfig())
	reg := NewRegistry(staticSource(providers), time.Minute)
	return &selectorHarness{sel: NewSelector(reg, checker, breaker), checker: checker, breaker: breaker}
}

func claudeProvider(id string, priority int, weight int64, multiplier float64) *Provider {
	return &Provider{
		ID:             id,
		Name:           id,
		Type:           TypeClaude,
		Priority:       priority,
		Weight:         weight,
		CostMultiplier: multiplier,
		Enabled:        true,
	}
}

func TestSelectFiltersByFormatAndModel(t *testing.T) {
	t.Parallel()
	h := newSelectorHarness(t, &stubWarm{},
		claudeProvider("p-claude", 1, 1, 1),
		&Provider{ID: "p-gemini", Name: "p-gemini", Type: TypeGemini, Weight: 1},
	)

	sel, err := h.sel.Select(context.Background(), Request{
		Format:    Claude,
		Model:     "claude-sonnet-4",
		SessionID: "sess-1",
	})
	require.NoError(t, err)
	require.Equal(t, "p-claude", sel.Provider.ID)
	require.Equal(t, "claude-sonnet-4", sel.UpstreamModel)
	require.Equal(t, ReasonInitialSelection, sel.Reason)
	require.Equal(t, MethodSingleCandidate, sel.Method)

	require.Len(t, sel.Decision.Filtered, 1)
	require.Equal(t, "p-gemini", sel.Decision.Filtered[0].ProviderID)
	require.Equal(t, StageFormat, sel.Decision.Filtered[0].Stage)
}

func TestSelectPriorityLayering(t *testing.T) {
	t.Parallel()
	h := newSelectorHarness(t, &stubWarm{},
		claudeProvider("urgent", 1, 1, 2),
		claudeProvider("backup", 5, 100, 0.1),
	)

	sel, err := h.sel.Select(context.Background(), Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "urgent", sel.Provider.ID)

	// With the urgent layer excluded, the backup layer serves.
	sel, err = h.sel.Select(context.Background(), Request{
		Format:    Claude,
		Model:     "claude-sonnet-4",
		SessionID: "s",
		Excluded:  map[string]bool{"urgent": true},
	})
	require.NoError(t, err)
	require.Equal(t, "backup", sel.Provider.ID)
	require.Equal(t, StageExcludedPrior, sel.Decision.Filtered[0].Stage)
}

func TestSelectWeightedDraw(t *testing.T) {
	t.Parallel()
	h := newSelectorHarness(t, &stubWarm{},
		claudeProvider("pricey", 1, 3, 1.0),
		claudeProvider("cheap", 1, 1, 0.5),
	)

	// Candidates sort by cost multiplier; the cumulative draw walks that
	// order.
	h.sel.randFloat = func() float64 { return 0.1 }
	sel, err := h.sel.Select(context.Background(), Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "cheap", sel.Provider.ID)
	require.Equal(t, MethodWeightedRandom, sel.Method)

	require.Len(t, sel.Decision.Candidates, 2)
	require.Equal(t, "cheap", sel.Decision.Candidates[0].ProviderID)
	require.InDelta(t, 0.25, sel.Decision.Candidates[0].Probability, 1e-9)
	require.InDelta(t, 0.75, sel.Decision.Candidates[1].Probability, 1e-9)

	h.sel.randFloat = func() float64 { return 0.5 }
	sel, err = h.sel.Select(context.Background(), Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s2"})
	require.NoError(t, err)
	require.Equal(t, "pricey", sel.Provider.ID)
}

func TestSelectUniformDrawWhenWeightless(t *testing.T) {
	t.Parallel()
	h := newSelectorHarness(t, &stubWarm{},
		claudeProvider("a", 1, 0, 0.5),
		claudeProvider("b", 1, 0, 1.0),
	)

	h.sel.randFloat = func() float64 { return 0.9 }
	sel, err := h.sel.Select(context.Background(), Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "b", sel.Provider.ID)
	require.InDelta(t, 0.5, sel.Decision.Candidates[0].Probability, 1e-9)
}

func TestSelectRetriesAfterConcurrencyRejection(t *testing.T) {
	t.Parallel()
	full := claudeProvider("full", 1, 1, 1)
	full.ConcurrentSessions = 1
	h := newSelectorHarness(t, &stubWarm{}, full, claudeProvider("spare", 2, 1, 1))

	// Another session already holds the only seat.
	allowed, _, err := h.checker.AdmitProviderSession(context.Background(), "full", "sess-other", 1)
	require.NoError(t, err)
	require.True(t, allowed)

	sel, err := h.sel.Select(context.Background(), Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "sess-new"})
	require.NoError(t, err)
	require.Equal(t, "spare", sel.Provider.ID)

	require.Len(t, sel.Rejected, 1)
	require.Equal(t, "full", sel.Rejected[0].Provider.ID)
	require.Equal(t, int64(1), sel.Rejected[0].ActiveSessions)

	last := sel.Decision.Filtered[len(sel.Decision.Filtered)-1]
	require.Equal(t, StageConcurrentLimit, last.Stage)
}

func TestSelectExcludesOpenCircuit(t *testing.T) {
	t.Parallel()
	h := newSelectorHarness(t, &stubWarm{},
		claudeProvider("flaky", 1, 1, 1),
		claudeProvider("steady", 2, 1, 1),
	)
	ctx := context.Background()
	for i := 0; i < circuit.DefaultConfig().FailureThreshold; i++ {
		require.NoError(t, h.breaker.RecordFailure(ctx, "flaky"))
	}

	sel, err := h.sel.Select(ctx, Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "steady", sel.Provider.ID)
	require.Equal(t, StageCircuitOpen, sel.Decision.Filtered[0].Stage)
}

func TestSelectExcludesOverBudgetProvider(t *testing.T) {
	t.Parallel()
	spent := claudeProvider("spent", 1, 1, 1)
	budget := 5.0
	spent.Limits = ratelimit.PeriodLimits{Total: &budget}
	h := newSelectorHarness(t, &stubWarm{total: 9}, spent, claudeProvider("fresh", 2, 1, 1))

	sel, err := h.sel.Select(context.Background(), Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s"})
	require.NoError(t, err)
	require.Equal(t, "fresh", sel.Provider.ID)
	require.Equal(t, StageCostLimit, sel.Decision.Filtered[0].Stage)
	require.Equal(t, "total limit exceeded", sel.Decision.Filtered[0].Detail)
}

func TestSelectNoProviderErrorTypes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// Nothing speaks the requested dialect.
	h := newSelectorHarness(t, &stubWarm{}, &Provider{ID: "g", Name: "g", Type: TypeGemini, Weight: 1})
	_, err := h.sel.Select(ctx, Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s"})
	var noProv *NoProviderError
	require.ErrorAs(t, err, &noProv)
	require.Equal(t, "no_available_providers", noProv.ErrorType())

	// Every candidate behind an open breaker.
	h = newSelectorHarness(t, &stubWarm{}, claudeProvider("flaky", 1, 1, 1))
	for i := 0; i < circuit.DefaultConfig().FailureThreshold; i++ {
		require.NoError(t, h.breaker.RecordFailure(ctx, "flaky"))
	}
	_, err = h.sel.Select(ctx, Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s"})
	require.ErrorAs(t, err, &noProv)
	require.Equal(t, "circuit_breaker_open", noProv.ErrorType())

	// A breaker exclusion mixed with a budget exclusion.
	spent := claudeProvider("spent", 1, 1, 1)
	budget := 5.0
	spent.Limits = ratelimit.PeriodLimits{Total: &budget}
	h = newSelectorHarness(t, &stubWarm{total: 9}, claudeProvider("flaky", 1, 1, 1), spent)
	for i := 0; i < circuit.DefaultConfig().FailureThreshold; i++ {
		require.NoError(t, h.breaker.RecordFailure(ctx, "flaky"))
	}
	_, err = h.sel.Select(ctx, Request{Format: Claude, Model: "claude-sonnet-4", SessionID: "s"})
	require.ErrorAs(t, err, &noProv)
	require.Equal(t, "mixed_unavailable", noProv.ErrorType())
}

func TestSelectSessionReuse(t *testing.T) {
	t.Parallel()
	bound := claudeProvider("bound", 5, 1, 2)
	// Reuse skips the group filter: the binding survives a group switch.
	bound.GroupTag = "legacy"
	h := newSelectorHarness(t, &stubWarm{}, bound, claudeProvider("favorite", 1, 100, 0.1))

	sel, err := h.sel.Select(context.Background(), Request{
		Format:          Claude,
		Model:           "claude-sonnet-4",
		SessionID:       "sess-1",
		ReuseSession:    true,
		BoundProviderID: "bound",
	})
	require.NoError(t, err)
	require.Equal(t, "bound", sel.Provider.ID)
	require.Equal(t, ReasonSessionReuse, sel.Reason)
	require.Equal(t, MethodSessionReuse, sel.Method)
	require.Len(t, sel.Decision.Candidates, 1)
}

func TestSelectSessionReuseFallsBackWhenUnhealthy(t *testing.T) {
	t.Parallel()
	h := newSelectorHarness(t, &stubWarm{},
		claudeProvider("bound", 5, 1, 2),
		claudeProvider("favorite", 1, 100, 0.1),
	)
	ctx := context.Background()
	for i := 0; i < circuit.DefaultConfig().FailureThreshold; i++ {
		require.NoError(t, h.breaker.RecordFailure(ctx, "bound"))
	}

	sel, err := h.sel.Select(ctx, Request{
		Format:          Claude,
		Model:           "claude-sonnet-4",
		SessionID:       "sess-1",
		ReuseSession:    true,
		BoundProviderID: "bound",
	})
	require.NoError(t, err)
	require.Equal(t, "favorite", sel.Provider.ID)
	require.Equal(t, ReasonInitialSelection, sel.Reason)
}

func TestSelectGroupFilterIsSilent(t *testing.T) {
	t.Parallel()
	inGroup := claudeProvider("mine", 1, 1, 1)
	inGroup.GroupTag = "teamA"
	outGroup := claudeProvider("theirs", 1, 1, 1)
	outGroup.GroupTag = "teamB"
	h := newSelectorHarness(t, &stubWarm{}, inGroup, outGroup)

	sel, err := h.sel.Select(context.Background(), Request{
		Format:    Claude,
		Model:     "claude-sonnet-4",
		Group:     "teamA",
		SessionID: "s",
	})
	require.NoError(t, err)
	require.Equal(t, "mine", sel.Provider.ID)
	require.Empty(t, sel.Decision.Filtered)
}

func TestSelect1MContextFilter(t *testing.T) {
	t.Parallel()
	small := claudeProvider("small", 1, 1, 1)
	small.Context1M = Context1MDisabled
	big := claudeProvider("big", 2, 1, 1)
	h := newSelectorHarness(t, &stubWarm{}, small, big)

	sel, err := h.sel.Select(context.Background(), Request{
		Format:    Claude,
		Model:     "claude-sonnet-4",
		SessionID: "s",
		Want1M:    true,
	})
	require.NoError(t, err)
	require.Equal(t, "big", sel.Provider.ID)
	require.Equal(t, StageContext1M, sel.Decision.Filtered[0].Stage)
}
