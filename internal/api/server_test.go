package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/forwarder"
	"github.com/routegate/routegate/internal/guard"
	"github.com/routegate/routegate/internal/provider"
)

type staticProviders []*provider.Provider

func (s staticProviders) EnabledProviders(context.Context) ([]*provider.Provider, error) {
	return s, nil
}

func newTestServer(t *testing.T, providers ...*provider.Provider) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{Port: 0}
	registry := provider.NewRegistry(staticProviders(providers), time.Minute)
	proxy := NewProxyHandler(guard.Deps{Config: cfg}, forwarder.New(forwarder.Deps{Config: cfg}), registry)
	return NewServer(cfg, proxy)
}

func TestDashboardPathsAreBlocked(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	for _, path := range []string{"/dashboard/keys", "/v1/dashboard/anything/nested"} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, nil)
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusNotFound, rec.Code, path)
		require.JSONEq(t, `{"error":"Not a proxied endpoint"}`, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/messages", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestModelsAggregation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t,
		&provider.Provider{ID: "p1", Name: "p1", AllowedModels: []string{"claude-sonnet-4-20250514"}},
		&provider.Provider{ID: "p2", Name: "p2", ModelRedirects: map[string]string{"gpt-4o": "qwen-max"}},
	)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "list", body.Object)
	require.Len(t, body.Data, 2)
	// Sorted, deduplicated union of allow lists and redirect keys.
	require.Equal(t, "claude-sonnet-4-20250514", body.Data[0].ID)
	require.Equal(t, "anthropic", body.Data[0].OwnedBy)
	require.Equal(t, "gpt-4o", body.Data[1].ID)
	require.Equal(t, "openai", body.Data[1].OwnedBy)
}

func TestUnifiedModelsRoutesClaudeCLI(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, &provider.Provider{ID: "p1", Name: "p1", AllowedModels: []string{"claude-opus-4-1"}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("User-Agent", "claude-cli/1.0.60 (external, cli)")
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"data"`
		HasMore bool `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	require.Equal(t, "model", body.Data[0].Type)
	require.Equal(t, "claude-opus-4-1", body.Data[0].ID)
}
