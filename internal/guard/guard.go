// Package guard implements the admission pipeline that every proxied request
// passes before it may reach an upstream: credential checks, client
// fingerprinting, model and content policy, session bookkeeping, warmup and
// probe interception, request filtering, rate limiting, provider selection,
// and the persistent request row. Steps run in a fixed order and either let
// the request continue or halt it with a finished response.
package guard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/routegate/routegate/internal/circuit"
	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/ratelimit"
	"github.com/routegate/routegate/internal/reqfilter"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// Halt is a finished response produced inside the pipeline. The request does
// not reach an upstream; the API layer writes it verbatim.
type Halt struct {
	Status int
	Header http.Header
	Body   []byte
}

// Step is one admission check. Returning a non-nil Halt short-circuits the
// pipeline; returning an error aborts it. Steps communicate by mutating the
// session, which is single-owner by contract.
type Step interface {
	Name() string
	Run(ctx context.Context, s *session.Session) (*Halt, error)
}

// Pipeline is an ordered list of steps sharing one session.
type Pipeline struct {
	name  string
	steps []Step
}

// Deps bundles the services the steps draw on.
type Deps struct {
	Config   *config.Config
	Keys     *store.KeyRepository
	Sessions *store.SessionStore
	Recorder *store.Recorder
	Checker  *ratelimit.Checker
	Selector *provider.Selector
	Breaker  *circuit.Breaker
	Filters  *reqfilter.Engine
}

// NewChatPipeline builds the full admission chain for message traffic.
func NewChatPipeline(d Deps) *Pipeline {
	return &Pipeline{name: "chat", steps: []Step{
		authStep{keys: d.Keys},
		newSensitiveStep(d.Config, d.Recorder),
		clientStep{},
		modelStep{},
		versionStep{},
		probeStep{recorder: d.Recorder},
		sessionStep{sessions: d.Sessions},
		warmupStep{enabled: d.Config.Warmup.Enabled, recorder: d.Recorder},
		filterStep{engine: d.Filters},
		rateLimitStep{checker: d.Checker},
		selectStep{selector: d.Selector, sessions: d.Sessions, breaker: d.Breaker},
		providerFilterStep{engine: d.Filters},
		contextStep{recorder: d.Recorder},
	}}
}

// NewCountTokensPipeline builds the reduced chain for token counting. The
// operation is a cheap meta call: it must not consume budgets, create
// sessions, or leave request rows behind.
func NewCountTokensPipeline(d Deps) *Pipeline {
	return &Pipeline{name: "count_tokens", steps: []Step{
		authStep{keys: d.Keys},
		clientStep{},
		modelStep{},
		versionStep{},
		probeStep{recorder: d.Recorder},
		filterStep{engine: d.Filters},
		selectStep{selector: d.Selector, sessions: d.Sessions, breaker: d.Breaker},
		providerFilterStep{engine: d.Filters},
	}}
}

// StepNames lists the chain in execution order.
func (p *Pipeline) StepNames() []string {
	names := make([]string, len(p.steps))
	for i, step := range p.steps {
		names[i] = step.Name()
	}
	return names
}

// Run executes the chain. A nil, nil return means the request may proceed to
// the forwarder. Typed rejections (rate limits, empty provider pools) are
// rendered into halts here, at the top; any other error is wrapped with the
// failing step and propagated for the API layer's 500 handling.
func (p *Pipeline) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	for _, step := range p.steps {
		h, err := step.Run(ctx, s)
		if err != nil {
			if mapped := haltForError(err); mapped != nil {
				log.Infof("guard %s rejected request %s: %v", step.Name(), s.RequestID, err)
				return mapped, nil
			}
			return nil, fmt.Errorf("guard %s: %w", step.Name(), err)
		}
		if h != nil {
			metrics.BlockedTotal.WithLabelValues(step.Name()).Inc()
			log.Debugf("guard %s answered request %s locally with %d", step.Name(), s.RequestID, h.Status)
			return h, nil
		}
	}
	return nil, nil
}

// haltForError renders the typed rejections; anything else returns nil and
// stays an error.
func haltForError(err error) *Halt {
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		metrics.RateLimitRejectsTotal.WithLabelValues(limitErr.Scope, limitErr.LimitType).Inc()
		return haltForLimit(limitErr, time.Now())
	}
	var noProv *provider.NoProviderError
	if errors.As(err, &noProv) {
		return haltForNoProvider(noProv)
	}
	return nil
}

// neverResets is the reset_time sentinel for limits without a reset boundary,
// such as the all-time spend caps.
const neverResets = "9999-12-31T23:59:59.999Z"

// wireLimitTypes maps internal period names to their wire identifiers; spend
// periods carry the usd_ prefix.
var wireLimitTypes = map[string]string{
	ratelimit.PeriodTotal:   "usd_total",
	ratelimit.Period5h:      "usd_5h",
	ratelimit.PeriodDaily:   "usd_daily",
	ratelimit.PeriodWeekly:  "usd_weekly",
	ratelimit.PeriodMonthly: "usd_monthly",
}

func wireLimitType(period string) string {
	if wire, ok := wireLimitTypes[period]; ok {
		return wire
	}
	return period
}

// haltForLimit renders a rate-limit rejection: 429 for rpm and concurrency,
// 402 for spend caps, with the X-RateLimit headers and the structured body.
func haltForLimit(e *ratelimit.LimitError, now time.Time) *Halt {
	resetTime := neverResets
	if !e.ResetAt.IsZero() {
		resetTime = e.ResetAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}

	body := `{"error":{"type":"rate_limit_error","code":"rate_limit_exceeded"}}`
	body, _ = sjson.Set(body, "error.limit_type", wireLimitType(e.LimitType))
	body, _ = sjson.Set(body, "error.current", e.CurrentUsage)
	body, _ = sjson.Set(body, "error.limit", e.LimitValue)
	body, _ = sjson.Set(body, "error.reset_time", resetTime)

	header := http.Header{}
	header.Set("X-RateLimit-Limit", formatLimit(e.LimitValue))
	header.Set("X-RateLimit-Remaining", formatLimit(e.Remaining()))
	header.Set("X-RateLimit-Type", wireLimitType(e.LimitType))
	if !e.ResetAt.IsZero() {
		header.Set("X-RateLimit-Reset", strconv.FormatInt(e.ResetAt.Unix(), 10))
	}
	if secs := e.RetryAfterSeconds(now); secs > 0 {
		header.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	return &Halt{Status: e.StatusCode(), Header: header, Body: []byte(body)}
}

// formatLimit renders limit values the way the headers expect: integers stay
// bare, fractional spend keeps its decimals.
func formatLimit(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// haltForNoProvider renders an exhausted candidate pool as a 503 carrying the
// per-provider exclusion reasons.
func haltForNoProvider(e *provider.NoProviderError) *Halt {
	body := `{"error":{}}`
	body, _ = sjson.Set(body, "error.type", e.ErrorType())
	body, _ = sjson.Set(body, "error.message", e.Error())
	if e.Decision != nil && len(e.Decision.Filtered) > 0 {
		body, _ = sjson.Set(body, "error.details.filteredProviders", e.Decision.Filtered)
	}
	return &Halt{Status: http.StatusServiceUnavailable, Header: http.Header{}, Body: []byte(body)}
}

// haltError builds a plain error halt in the gateway's error envelope.
func haltError(status int, errType, message string) *Halt {
	body := `{"error":{}}`
	body, _ = sjson.Set(body, "error.type", errType)
	body, _ = sjson.Set(body, "error.message", message)
	return &Halt{Status: status, Header: http.Header{}, Body: []byte(body)}
}
