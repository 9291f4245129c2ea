package guard

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/routegate/routegate/internal/circuit"
	"github.com/routegate/routegate/internal/config"
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/ratelimit"
	"github.com/routegate/routegate/internal/reqfilter"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

type staticProviders []*provider.Provider

func (s staticProviders) EnabledProviders(context.Context) ([]*provider.Provider, error) {
	return s, nil
}

type staticRules []reqfilter.Rule

func (s staticRules) RequestFilters(context.Context) ([]reqfilter.Rule, error) { return s, nil }

type stubWarm struct {
	total float64
}

func (s *stubWarm) CostEntries(context.Context, string, string, time.Time) ([]ratelimit.CostEntry, error) {
	return nil, nil
}

func (s *stubWarm) CostSum(context.Context, string, string, time.Time) (float64, error) {
	return 0, nil
}

func (s *stubWarm) TotalCost(context.Context, string, string, *time.Time) (float64, error) {
	return s.total, nil
}

type harness struct {
	deps Deps
	mock sqlmock.Sqlmock
	rdb  *redis.Client
}

func newHarness(t *testing.T, cfg *config.Config, warm ratelimit.WarmSource, rules []reqfilter.Rule, providers ...*provider.Provider) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := ratelimit.NewStore(client, warm)
	require.NoError(t, err)
	checker := ratelimit.NewChecker(st)
	breaker := circuit.NewBreaker(client, circuit.DefaultConfig())
	registry := provider.NewRegistry(staticProviders(providers), time.Minute)

	engine := reqfilter.NewEngine(staticRules(rules), nil)
	require.NoError(t, engine.Load(context.Background()))

	if cfg == nil {
		cfg = &config.Config{}
	}
	repo := store.NewMessageRequestRepository(db)
	return &harness{
		deps: Deps{
			Config:   cfg,
			Keys:     store.NewKeyRepository(db),
			Sessions: store.NewSessionStore(client),
			Recorder: store.NewRecorder(repo, store.WriteModeSync),
			Checker:  checker,
			Selector: provider.NewSelector(registry, checker, breaker),
			Breaker:  breaker,
			Filters:  engine,
		},
		mock: mock,
		rdb:  client,
	}
}

func claudeProvider(id string) *provider.Provider {
	return &provider.Provider{
		ID:             id,
		Name:           id,
		Type:           TypeClaude,
		Priority:       1,
		Weight:         1,
		CostMultiplier: 1,
		Enabled:        true,
	}
}

var lookupColumns = []string{
	"key_hash", "user_id", "key_name", "key_enabled", "key_group",
	"k_total", "k_5h", "k_daily", "k_weekly", "k_monthly",
	"k_concurrent", "k_reset_time", "k_reset_mode",
	"user_name", "user_enabled", "expires_at", "user_group",
	"u_total", "u_5h", "u_daily", "u_weekly", "u_monthly",
	"rpm", "u_reset_time", "u_reset_mode", "allowed_clients", "allowed_models",
}

func keyRow(hash string, keyEnabled, userEnabled bool, expiresAt interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(lookupColumns).AddRow(
		hash, "u1", "ci-key", keyEnabled, "",
		nil, nil, nil, nil, nil,
		nil, nil, nil,
		"Acme", userEnabled, expiresAt, "",
		nil, nil, nil, nil, nil,
		nil, nil, nil, nil, nil,
	)
}

func newClaudeSession(t *testing.T, body string, hdr map[string]string) *session.Session {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("User-Agent", "claude-cli/1.0.30 (external, cli)")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	s, err := session.FromRequest(req)
	require.NoError(t, err)
	return s
}

func claudeBody(model, text string) string {
	return `{"model":"` + model + `","max_tokens":32,"messages":[{"role":"user","content":"` + text + `"}]}`
}

const testSessionUUID = "123e4567-e89b-12d3-a456-426614174000"

// cliBody carries the full CLI fingerprint: identity system block and a
// CLI-shaped metadata.user_id.
func cliBody(model, text string) string {
	userID := "user_" + strings.Repeat("a", 64) + "_account__session_" + testSessionUUID
	return `{"model":"` + model + `","max_tokens":32,` +
		`"system":[{"type":"text","text":"` + claudeCodeSystem + `"}],` +
		`"metadata":{"user_id":"` + userID + `"},` +
		`"messages":[{"role":"user","content":"` + text + `"}]}`
}

func errField(t *testing.T, h *Halt, field string) string {
	t.Helper()
	require.NotNil(t, h)
	return gjson.GetBytes(h.Body, "error."+field).String()
}

func TestAuthConflictingCredentials(t *testing.T) {
	t.Parallel()
	step := authStep{}

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), map[string]string{
		"Authorization": "Bearer sk-aaa",
		"x-api-key":     "sk-bbb",
	})
	h, err := step.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, http.StatusUnauthorized, h.Status)
	require.Equal(t, "authentication_error", errField(t, h, "type"))
	require.Equal(t, "conflicting API keys", errField(t, h, "message"))
}

func TestAuthSameKeyInTwoCarriersIsNotAConflict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil)
	step := authStep{keys: h.deps.Keys}

	h.mock.ExpectQuery("FROM api_keys").
		WithArgs(store.HashKey("sk-same")).
		WillReturnRows(keyRow(store.HashKey("sk-same"), true, true, nil))
	h.mock.ExpectExec("UPDATE api_keys").WillReturnResult(sqlmock.NewResult(0, 1))

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), map[string]string{
		"Authorization": "Bearer sk-same",
		"x-api-key":     "sk-same",
	})
	halt, err := step.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)
	require.Equal(t, "sk-same", s.RawKey)
	require.NotNil(t, s.Key)
	require.NotNil(t, s.User)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestAuthRejections(t *testing.T) {
	t.Parallel()
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name        string
		rows        *sqlmock.Rows
		lookupErr   error
		markExpired bool
		wantType    string
		wantMsg     string
	}{
		{name: "unknown key", lookupErr: sql.ErrNoRows, wantType: "invalid_api_key", wantMsg: "invalid API key"},
		{name: "disabled key", rows: keyRow("h", false, true, nil), wantType: "invalid_api_key", wantMsg: "API key disabled"},
		{name: "disabled user", rows: keyRow("h", true, false, nil), wantType: "user_disabled", wantMsg: "user account disabled"},
		{name: "expired user", rows: keyRow("h", true, true, past), markExpired: true, wantType: "user_expired", wantMsg: "user account expired"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil, &stubWarm{}, nil)
			step := authStep{keys: h.deps.Keys}

			q := h.mock.ExpectQuery("FROM api_keys").WithArgs(store.HashKey("sk-test"))
			if tc.lookupErr != nil {
				q.WillReturnError(tc.lookupErr)
			} else {
				q.WillReturnRows(tc.rows)
			}
			if tc.markExpired {
				h.mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))
			}

			s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), map[string]string{"x-api-key": "sk-test"})
			halt, err := step.Run(context.Background(), s)
			require.NoError(t, err)
			require.NotNil(t, halt)
			require.Equal(t, http.StatusUnauthorized, halt.Status)
			require.Equal(t, tc.wantType, errField(t, halt, "type"))
			require.Equal(t, tc.wantMsg, errField(t, halt, "message"))
			require.NoError(t, h.mock.ExpectationsWereMet())
		})
	}
}

func TestAuthMissingKey(t *testing.T) {
	t.Parallel()
	step := authStep{}

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), nil)
	h, err := step.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, http.StatusUnauthorized, h.Status)
	require.Equal(t, "authentication_error", errField(t, h, "type"))
}

func TestAuthQueryParameterKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil)
	step := authStep{keys: h.deps.Keys}

	h.mock.ExpectQuery("FROM api_keys").
		WithArgs(store.HashKey("sk-query")).
		WillReturnRows(keyRow(store.HashKey("sk-query"), true, true, nil))
	h.mock.ExpectExec("UPDATE api_keys").WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent?key=sk-query",
		strings.NewReader(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`))
	s, err := session.FromRequest(req)
	require.NoError(t, err)

	halt, err := step.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)
	require.Equal(t, "sk-query", s.RawKey)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestClientFingerprint(t *testing.T) {
	t.Parallel()

	t.Run("genuine CLI", func(t *testing.T) {
		t.Parallel()
		s := newClaudeSession(t, cliBody("claude-sonnet-4", "hi"), nil)
		h, err := clientStep{}.Run(context.Background(), s)
		require.NoError(t, err)
		require.Nil(t, h)
		require.True(t, s.IsCLI)
		require.False(t, s.NeedsClaudeDisguise)
		require.Empty(t, s.Group)
	})

	t.Run("missing system identity routes to disguise group", func(t *testing.T) {
		t.Parallel()
		s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), nil)
		h, err := clientStep{}.Run(context.Background(), s)
		require.NoError(t, err)
		require.Nil(t, h)
		require.False(t, s.IsCLI)
		require.True(t, s.NeedsClaudeDisguise)
		require.Equal(t, DisguiseGroup, s.Group)
		require.Equal(t, DisguiseGroup, s.EffectiveGroup())
	})

	t.Run("wrong user agent routes to disguise group", func(t *testing.T) {
		t.Parallel()
		s := newClaudeSession(t, cliBody("claude-sonnet-4", "hi"), map[string]string{"User-Agent": "curl/8.0"})
		h, err := clientStep{}.Run(context.Background(), s)
		require.NoError(t, err)
		require.Nil(t, h)
		require.True(t, s.NeedsClaudeDisguise)
	})

	t.Run("non-claude formats pass untouched", func(t *testing.T) {
		t.Parallel()
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
			strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
		req.Header.Set("User-Agent", "curl/8.0")
		s, err := session.FromRequest(req)
		require.NoError(t, err)
		require.Equal(t, OpenAI, s.Format)

		h, err := clientStep{}.Run(context.Background(), s)
		require.NoError(t, err)
		require.Nil(t, h)
		require.False(t, s.NeedsClaudeDisguise)
		require.Empty(t, s.Group)
	})

	t.Run("allowed clients mismatch rejects", func(t *testing.T) {
		t.Parallel()
		s := newClaudeSession(t, cliBody("claude-sonnet-4", "hi"), nil)
		s.User = &store.User{ID: "u1", Enabled: true, AllowedClients: []string{"cursor"}}
		h, err := clientStep{}.Run(context.Background(), s)
		require.NoError(t, err)
		require.NotNil(t, h)
		require.Equal(t, http.StatusForbidden, h.Status)
		require.Equal(t, "invalid_request_error", errField(t, h, "type"))
	})

	t.Run("allowed clients match ignores separators and case", func(t *testing.T) {
		t.Parallel()
		s := newClaudeSession(t, cliBody("claude-sonnet-4", "hi"), nil)
		s.User = &store.User{ID: "u1", Enabled: true, AllowedClients: []string{"Claude_CLI"}}
		h, err := clientStep{}.Run(context.Background(), s)
		require.NoError(t, err)
		require.Nil(t, h)
	})
}

func TestModelAllowList(t *testing.T) {
	t.Parallel()
	s := newClaudeSession(t, claudeBody("claude-opus-4", "hi"), nil)
	s.User = &store.User{ID: "u1", Enabled: true, AllowedModels: []string{"claude-sonnet-4"}}

	h, err := modelStep{}.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, h)
	require.Equal(t, http.StatusBadRequest, h.Status)
	require.Equal(t, "invalid_request_error", errField(t, h, "type"))
	require.Contains(t, errField(t, h, "message"), "claude-opus-4")

	s.User.AllowedModels = nil
	h, err = modelStep{}.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, h)
}

func TestProbeAnsweredLocally(t *testing.T) {
	t.Parallel()
	for _, text := range []string{"foo", "count", "FOO"} {
		t.Run(text, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil, &stubWarm{}, nil)
			h.mock.ExpectExec("INSERT INTO message_requests").WillReturnResult(sqlmock.NewResult(1, 1))

			s := newClaudeSession(t, claudeBody("claude-sonnet-4", text), nil)
			halt, err := probeStep{recorder: h.deps.Recorder}.Run(context.Background(), s)
			require.NoError(t, err)
			require.NotNil(t, halt)
			require.Equal(t, http.StatusOK, halt.Status)
			require.JSONEq(t, `{"input_tokens":0}`, string(halt.Body))
			require.NoError(t, h.mock.ExpectationsWereMet())
		})
	}
}

func TestProbeIgnoresConversations(t *testing.T) {
	t.Parallel()
	body := `{"model":"claude-sonnet-4","messages":[` +
		`{"role":"user","content":"foo"},{"role":"assistant","content":"bar"},{"role":"user","content":"foo"}]}`
	s := newClaudeSession(t, body, nil)

	halt, err := probeStep{}.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)
}

func TestSensitiveWordBlocks(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		SensitiveWords:   []string{"Project Zephyr"},
		SensitiveMessage: "request contains restricted content",
	}
	h := newHarness(t, cfg, &stubWarm{}, nil)
	h.mock.ExpectExec("INSERT INTO message_requests").WillReturnResult(sqlmock.NewResult(1, 1))
	step := newSensitiveStep(cfg, h.deps.Recorder)

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "status of project zephyr please"), nil)
	halt, err := step.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, halt)
	require.Equal(t, http.StatusBadRequest, halt.Status)
	require.Equal(t, "request contains restricted content", errField(t, halt, "message"))
	require.NoError(t, h.mock.ExpectationsWereMet())

	clean := newClaudeSession(t, claudeBody("claude-sonnet-4", "hello there"), nil)
	halt, err = step.Run(context.Background(), clean)
	require.NoError(t, err)
	require.Nil(t, halt)
}

func TestSessionSequenceAndSnapshots(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil)
	step := sessionStep{sessions: h.deps.Sessions}
	ctx := context.Background()

	s := newClaudeSession(t, cliBody("claude-sonnet-4", "hi"), nil)
	halt, err := step.Run(ctx, s)
	require.NoError(t, err)
	require.Nil(t, halt)
	require.Equal(t, "sess_"+testSessionUUID, s.ID)
	require.Equal(t, int64(1), s.Sequence)

	// The same session id keeps counting; a new request object is a new turn.
	s2 := newClaudeSession(t, cliBody("claude-sonnet-4", "again"), nil)
	_, err = step.Run(ctx, s2)
	require.NoError(t, err)
	require.Equal(t, s.ID, s2.ID)
	require.Equal(t, int64(2), s2.Sequence)

	snap, err := h.deps.Sessions.Snapshot(ctx, s.ID, 1, store.SnapRequest)
	require.NoError(t, err)
	require.Equal(t, string(s.ParsedBody), string(snap))

	headers, err := h.deps.Sessions.Snapshot(ctx, s.ID, 1, store.SnapRequestHeaders)
	require.NoError(t, err)
	require.Equal(t, "POST", gjson.GetBytes(headers, "method").String())
	require.Equal(t, "/v1/messages", gjson.GetBytes(headers, "path").String())
}

func TestSessionStepSkipsAnonymousCallers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	req.RemoteAddr = ""
	s, err := session.FromRequest(req)
	require.NoError(t, err)

	halt, err := sessionStep{sessions: h.deps.Sessions}.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)
	require.Empty(t, s.ID)
	require.Zero(t, s.Sequence)
}

func TestWarmupIntercept(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil)
	h.mock.ExpectExec("INSERT INTO message_requests").WillReturnResult(sqlmock.NewResult(1, 1))
	step := warmupStep{enabled: true, recorder: h.deps.Recorder}

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "warmup"), nil)
	halt, err := step.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, halt)
	require.Equal(t, http.StatusOK, halt.Status)

	body := halt.Body
	require.True(t, strings.HasPrefix(gjson.GetBytes(body, "id").String(), "msg_cch_"))
	require.Equal(t, "message", gjson.GetBytes(body, "type").String())
	require.Equal(t, "assistant", gjson.GetBytes(body, "role").String())
	require.Equal(t, "claude-sonnet-4", gjson.GetBytes(body, "model").String())
	require.Equal(t, "end_turn", gjson.GetBytes(body, "stop_reason").String())
	require.Zero(t, gjson.GetBytes(body, "usage.input_tokens").Int())
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestWarmupDisabledPassesThrough(t *testing.T) {
	t.Parallel()
	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "warmup"), nil)
	halt, err := warmupStep{enabled: false}.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)
}

func TestRequestFilterRewritesBody(t *testing.T) {
	t.Parallel()
	rules := []reqfilter.Rule{{
		ID:          1,
		Scope:       reqfilter.ScopeBody,
		Action:      reqfilter.ActionJSONPath,
		MatchType:   "exact",
		Target:      "model",
		Replacement: "claude-sonnet-4-redirected",
	}}
	h := newHarness(t, nil, &stubWarm{}, rules)

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), nil)
	halt, err := filterStep{engine: h.deps.Filters}.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)
	require.Equal(t, "claude-sonnet-4-redirected", s.Model)
	require.Equal(t, "claude-sonnet-4-redirected", gjson.GetBytes(s.Body, "model").String())
}

func TestRateLimitSpendHaltShape(t *testing.T) {
	t.Parallel()
	e := &ratelimit.LimitError{
		LimitType:    ratelimit.PeriodTotal,
		Scope:        ratelimit.ScopeKey,
		CurrentUsage: 10.5,
		LimitValue:   10,
	}
	h := haltForLimit(e, time.Now())

	require.Equal(t, http.StatusPaymentRequired, h.Status)
	require.JSONEq(t, `{
		"error": {
			"type": "rate_limit_error",
			"code": "rate_limit_exceeded",
			"limit_type": "usd_total",
			"current": 10.5,
			"limit": 10,
			"reset_time": "9999-12-31T23:59:59.999Z"
		}
	}`, string(h.Body))
	require.Equal(t, "10", h.Header.Get("X-RateLimit-Limit"))
	require.Equal(t, "0", h.Header.Get("X-RateLimit-Remaining"))
	require.Equal(t, "usd_total", h.Header.Get("X-RateLimit-Type"))
	require.Empty(t, h.Header.Get("X-RateLimit-Reset"))
	require.Empty(t, h.Header.Get("Retry-After"))
}

func TestRateLimitRPMHaltShape(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	e := &ratelimit.LimitError{
		LimitType:    ratelimit.PeriodRPM,
		Scope:        ratelimit.ScopeUser,
		CurrentUsage: 61,
		LimitValue:   60,
		ResetAt:      now.Add(30 * time.Second),
	}
	h := haltForLimit(e, now)

	require.Equal(t, http.StatusTooManyRequests, h.Status)
	require.Equal(t, "rpm", gjson.GetBytes(h.Body, "error.limit_type").String())
	require.Equal(t, "2025-06-11T12:00:30.000Z", gjson.GetBytes(h.Body, "error.reset_time").String())
	require.Equal(t, "30", h.Header.Get("Retry-After"))
	require.Equal(t, strconv.FormatInt(now.Add(30*time.Second).Unix(), 10), h.Header.Get("X-RateLimit-Reset"))
}

func TestPipelineMapsLimitErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{total: 15}, nil)
	p := &Pipeline{name: "test", steps: []Step{rateLimitStep{checker: h.deps.Checker}}}

	total := 10.0
	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), nil)
	s.Key = &store.Key{Hash: "k1", Enabled: true, Limits: ratelimit.PeriodLimits{Total: &total}}
	s.User = &store.User{ID: "u1", Enabled: true}

	halt, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, halt)
	require.Equal(t, http.StatusPaymentRequired, halt.Status)
	require.Equal(t, "usd_total", gjson.GetBytes(halt.Body, "error.limit_type").String())
	require.Equal(t, float64(15), gjson.GetBytes(halt.Body, "error.current").Float())
}

func TestPipelineMapsEmptyProviderPool(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil,
		&provider.Provider{ID: "p-gemini", Name: "p-gemini", Type: TypeGemini, Weight: 1, Enabled: true})
	p := &Pipeline{name: "test", steps: []Step{
		selectStep{selector: h.deps.Selector, sessions: h.deps.Sessions, breaker: h.deps.Breaker},
	}}

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), nil)
	halt, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, halt)
	require.Equal(t, http.StatusServiceUnavailable, halt.Status)
	require.Equal(t, "no_available_providers", errField(t, halt, "type"))

	filtered := gjson.GetBytes(halt.Body, "error.details.filteredProviders")
	require.True(t, filtered.IsArray())
	require.Equal(t, "p-gemini", filtered.Array()[0].Get("providerId").String())
	require.Equal(t, "format", filtered.Array()[0].Get("stage").String())
}

func TestSelectStepBuildsChain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil, claudeProvider("p1"))
	step := selectStep{selector: h.deps.Selector, sessions: h.deps.Sessions, breaker: h.deps.Breaker}

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), nil)
	halt, err := step.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)

	require.NotNil(t, s.Provider)
	require.Equal(t, "p1", s.Provider.ID)
	require.Equal(t, "claude-sonnet-4", s.UpstreamModel)
	require.False(t, s.ReusedSession)

	require.Len(t, s.Chain, 1)
	item := s.Chain[0]
	require.Equal(t, "p1", item.ProviderID)
	require.Equal(t, provider.ReasonInitialSelection, item.Reason)
	require.Equal(t, 1, item.Attempt)
	require.Equal(t, "closed", item.CircuitState)
	require.Equal(t, h.deps.Breaker.Threshold(), item.FailureThreshold)
	require.NotNil(t, item.Decision)
}

func TestSelectStepReusesBoundProvider(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil, claudeProvider("p1"), claudeProvider("p2"))
	step := selectStep{selector: h.deps.Selector, sessions: h.deps.Sessions, breaker: h.deps.Breaker}
	ctx := context.Background()

	body := `{"model":"claude-sonnet-4","messages":[` +
		`{"role":"user","content":"hi"},{"role":"assistant","content":"yo"},{"role":"user","content":"more"}],` +
		`"metadata":{"user_id":"user_` + strings.Repeat("a", 64) + `_account__session_` + testSessionUUID + `"}}`
	s := newClaudeSession(t, body, nil)
	s.ID = s.ResolveID()
	require.True(t, s.ShouldReuseProvider())
	require.NoError(t, h.deps.Sessions.BindProvider(ctx, s.ID, "p2"))

	halt, err := step.Run(ctx, s)
	require.NoError(t, err)
	require.Nil(t, halt)
	require.Equal(t, "p2", s.Provider.ID)
	require.True(t, s.ReusedSession)
	require.Equal(t, provider.ReasonSessionReuse, s.Chain[0].Reason)
}

func TestContextStepInsertsRow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil)
	h.mock.ExpectExec("INSERT INTO message_requests").WillReturnResult(sqlmock.NewResult(1, 1))
	step := contextStep{recorder: h.deps.Recorder}

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), nil)
	s.ID = "sess_x"
	s.Sequence = 3
	s.Key = &store.Key{Hash: "k1", Enabled: true}
	s.User = &store.User{ID: "u1", Enabled: true}
	s.Provider = claudeProvider("p1")
	s.UpstreamModel = "claude-sonnet-4-upstream"
	s.Chain = s.Chain.Append(provider.ChainItem{ProviderID: "p1", ProviderName: "p1", Reason: provider.ReasonInitialSelection})

	halt, err := step.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)
	require.NotNil(t, s.Row)
	require.Equal(t, s.RequestID, s.Row.ID)
	require.Equal(t, "sess_x", s.Row.SessionID)
	require.Equal(t, int64(3), s.Row.Sequence)
	require.NotNil(t, s.Row.ProviderID)
	require.Equal(t, "p1", *s.Row.ProviderID)
	require.Equal(t, "claude-sonnet-4-upstream", s.Row.FinalModel)
	require.Nil(t, s.Row.BlockedBy)
	require.NotEmpty(t, s.Row.ProviderChain)
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestContextStepPropagatesInsertFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil)
	h.mock.ExpectExec("INSERT INTO message_requests").WillReturnError(sql.ErrConnDone)
	step := contextStep{recorder: h.deps.Recorder}

	s := newClaudeSession(t, claudeBody("claude-sonnet-4", "hi"), nil)
	_, err := step.Run(context.Background(), s)
	require.Error(t, err)
}

func TestPipelinePresetOrder(t *testing.T) {
	t.Parallel()
	deps := Deps{Config: &config.Config{}}

	chat := NewChatPipeline(deps)
	require.Equal(t, []string{
		"auth", "sensitive", "client", "model", "version", "probe",
		"session", "warmup", "request_filter", "rate_limit",
		"provider", "provider_filter", "message_context",
	}, chat.StepNames())

	count := NewCountTokensPipeline(deps)
	require.Equal(t, []string{
		"auth", "client", "model", "version", "probe",
		"request_filter", "provider", "provider_filter",
	}, count.StepNames())
}

func TestChatPipelineEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil, &stubWarm{}, nil, claudeProvider("p1"))
	p := NewChatPipeline(h.deps)

	hash := store.HashKey("sk-live")
	h.mock.ExpectQuery("FROM api_keys").WithArgs(hash).WillReturnRows(keyRow(hash, true, true, nil))
	h.mock.ExpectExec("UPDATE api_keys").WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec("INSERT INTO message_requests").WillReturnResult(sqlmock.NewResult(1, 1))

	s := newClaudeSession(t, cliBody("claude-sonnet-4", "summarize this repo"), map[string]string{"x-api-key": "sk-live"})
	halt, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	require.Nil(t, halt)

	require.True(t, s.IsCLI)
	require.Equal(t, "sess_"+testSessionUUID, s.ID)
	require.Equal(t, int64(1), s.Sequence)
	require.NotNil(t, s.Provider)
	require.Equal(t, "p1", s.Provider.ID)
	require.NotNil(t, s.Row)
	require.Equal(t, "claude-sonnet-4", s.Row.OriginalModel)
	require.NoError(t, h.mock.ExpectationsWereMet())
}
