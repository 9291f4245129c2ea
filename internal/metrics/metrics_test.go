package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{502, "5xx"},
		{100, "1xx"},
		{0, "unknown"},
		{-1, "unknown"},
		{600, "unknown"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, StatusClass(c.code), "code %d", c.code)
	}
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("claude", "2xx"))
	RecordRequest("claude", 200, 120*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(RequestsTotal.WithLabelValues("claude", "2xx")))

	before = testutil.ToFloat64(UpstreamErrorsTotal.WithLabelValues("prov-a", "PROVIDER_ERROR"))
	RecordUpstreamError("prov-a", "PROVIDER_ERROR")
	require.Equal(t, before+1, testutil.ToFloat64(UpstreamErrorsTotal.WithLabelValues("prov-a", "PROVIDER_ERROR")))

	SetCircuitOpen("prov-a", true)
	require.Equal(t, 1.0, testutil.ToFloat64(CircuitOpen.WithLabelValues("prov-a")))
	SetCircuitOpen("prov-a", false)
	require.Equal(t, 0.0, testutil.ToFloat64(CircuitOpen.WithLabelValues("prov-a")))

	SetAgentPoolSize(7)
	require.Equal(t, 7.0, testutil.ToFloat64(AgentPoolAgents))
}

func TestRecordTokensSkipsZero(t *testing.T) {
	RecordTokens("claude-sonnet-4", 10, 20, 0, 5)
	require.Equal(t, 10.0, testutil.ToFloat64(TokensTotal.WithLabelValues("claude-sonnet-4", "input")))
	require.Equal(t, 20.0, testutil.ToFloat64(TokensTotal.WithLabelValues("claude-sonnet-4", "output")))
	// A zero count must not materialize the label pair.
	require.Equal(t, 0.0, testutil.ToFloat64(TokensTotal.WithLabelValues("claude-sonnet-4", "cache_read")))
	require.Equal(t, 5.0, testutil.ToFloat64(TokensTotal.WithLabelValues("claude-sonnet-4", "cache_write")))
}

func TestRecordCost(t *testing.T) {
	before := testutil.ToFloat64(CostUSDTotal.WithLabelValues("prov-b"))
	RecordCost("prov-b", 0.25)
	RecordCost("prov-b", 0) // ignored
	require.InDelta(t, before+0.25, testutil.ToFloat64(CostUSDTotal.WithLabelValues("prov-b")), 1e-9)
}
