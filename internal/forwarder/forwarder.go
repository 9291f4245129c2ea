// Package forwarder sends an admitted request upstream and shepherds the
// response back: smart URL composition, request translation, per-provider
// transport acquisition, the retry and failover policy, and the non-stream
// and streaming response paths with usage accounting and row finalization.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/agentpool"
	"github.com/routegate/routegate/internal/circuit"
	"github.com/routegate/routegate/internal/config"
	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/pricing"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/ratelimit"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// anthropicStreamMax bounds an Anthropic-family stream end to end,
// independent of chunk cadence.
const anthropicStreamMax = 180 * time.Second

// errorBodyLimit caps how much of an upstream error body is read.
const errorBodyLimit = 1 << 20

// Result is what the HTTP layer writes back to the client. Exactly one of
// Body and Stream is set; a Stream must be copied to the client and closed.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
	Stream io.ReadCloser
}

// Deps wires the forwarder's collaborators.
type Deps struct {
	Config   *config.Config
	Pool     *agentpool.Pool
	Selector *provider.Selector
	Breaker  *circuit.Breaker
	Rules    *proxyerr.Engine
	Prices   *pricing.Table
	Limits   *ratelimit.Store
	Sessions *store.SessionStore
	Recorder *store.Recorder
}

// Forwarder carries one request through upstream attempts until success,
// exhaustion, or a non-retryable outcome.
type Forwarder struct {
	deps         Deps
	maxProviders int
}

// New builds a forwarder. The retry budget counts distinct providers tried
// for one request.
func New(deps Deps) *Forwarder {
	maxProviders := 3
	if deps.Config != nil && deps.Config.RequestRetry > 0 {
		maxProviders = deps.Config.RequestRetry
	}
	return &Forwarder{deps: deps, maxProviders: maxProviders}
}

// Forward runs the retry loop over the session's selected provider. Every
// outcome except a vanished client renders into a Result; the returned
// error is non-nil only when the client is gone and nothing can be written.
func (f *Forwarder) Forward(ctx context.Context, s *session.Session) (*Result, error) {
	if s.Provider == nil {
		return nil, fmt.Errorf("forward: no provider selected")
	}
	if localRes, ok := f.answerCountLocally(ctx, s); ok {
		return localRes, nil
	}

	prov := s.Provider
	excluded := map[string]bool{prov.ID: true}
	providersTried := 1
	var sysRetried, rectified, h1Fallback bool

	for {
		res, perr := f.attempt(ctx, s, prov, h1Fallback)
		if perr == nil {
			return res, nil
		}

		// Operator rules can reclassify an upstream rejection as caused
		// by the client payload; retrying elsewhere would fail the same.
		if ov := f.deps.Rules.Match(perr); ov.Matched && ov.NonRetryable {
			perr.Kind = proxyerr.KindNonRetryableClient
		}
		metrics.UpstreamErrorsTotal.WithLabelValues(prov.Name, perr.Kind.String()).Inc()
		if perr.Kind.FeedsBreaker() {
			if err := f.deps.Breaker.RecordFailure(ctx, prov.ID); err != nil {
				log.Warnf("forwarder: record failure for %s: %v", prov.ID, err)
			}
		}
		s.Chain = s.Chain.Append(failureItem(prov, perr))

		switch perr.Kind {
		case proxyerr.KindClientAbort:
			f.finalizeFailure(ctx, s, prov, perr, 499)
			return nil, perr

		case proxyerr.KindNonRetryableClient:
			return f.failureResult(ctx, s, prov, perr), nil

		case proxyerr.KindSystemError:
			if isHTTP2Error(perr.Cause) && prov.UseHTTP2 && !h1Fallback {
				h1Fallback = true
				s.Chain = s.Chain.Append(provider.ChainItem{
					ProviderID:   prov.ID,
					ProviderName: prov.Name,
					Reason:       provider.ReasonHTTP2Fallback,
				})
				f.deps.Pool.MarkUnhealthy(f.spec(prov, false))
				metrics.UpstreamRetriesTotal.WithLabelValues(prov.Name, "h1_fallback").Inc()
				continue
			}
			if !sysRetried {
				sysRetried = true
				metrics.UpstreamRetriesTotal.WithLabelValues(prov.Name, "same_provider").Inc()
				continue
			}

		case proxyerr.KindProviderError:
			if prov.IsAnthropic() && !rectified && needsRectify(perr.Message, s.ParsedBody) {
				if fixed, changed := rectifyThinkingSignatures(s.Body); changed {
					s.ReplaceBody(fixed)
					rectified = true
					metrics.UpstreamRetriesTotal.WithLabelValues(prov.Name, "rectify").Inc()
					continue
				}
			}

		case proxyerr.KindResourceNotFound:
			// Wrong base URL or unknown model on that endpoint. Switch
			// without punishing the provider.
		}

		if providersTried >= f.maxProviders {
			return f.failureResult(ctx, s, prov, perr), nil
		}
		next, err := f.deps.Selector.Select(ctx, provider.Request{
			Format:    s.Format,
			Model:     s.Model,
			Group:     s.EffectiveGroup(),
			SessionID: s.ID,
			Want1M:    s.Want1M,
			Excluded:  excluded,
		})
		if err != nil {
			var npe *provider.NoProviderError
			if errors.As(err, &npe) {
				return f.exhaustedResult(ctx, s, prov, perr), nil
			}
			return f.failureResult(ctx, s, prov, perr), nil
		}
		f.releaseProviderSlot(ctx, s, prov)

		prov = next.Provider
		s.Provider = prov
		s.UpstreamModel = next.UpstreamModel
		excluded[prov.ID] = true
		providersTried++
		sysRetried, rectified, h1Fallback = false, false, false

		for _, rej := range next.Rejected {
			s.Chain = s.Chain.Append(provider.ChainItem{
				ProviderID:   rej.Provider.ID,
				ProviderName: rej.Provider.Name,
				Reason:       provider.ReasonConcurrentLimitFailed,
			})
		}
		s.Chain = s.Chain.Append(provider.ChainItem{
			ProviderID:       prov.ID,
			ProviderName:     prov.Name,
			Reason:           next.Reason,
			Method:           next.Method,
			CircuitState:     next.CircuitState.String(),
			FailureCount:     next.FailureCount,
			FailureThreshold: f.deps.Breaker.Threshold(),
			Decision:         next.Decision,
		})
		metrics.UpstreamRetriesTotal.WithLabelValues(prov.Name, "switch_provider").Inc()
	}
}

// releaseProviderSlot frees the failed provider's concurrent-session slot
// before the request moves to another provider.
func (f *Forwarder) releaseProviderSlot(ctx context.Context, s *session.Session, prov *provider.Provider) {
	if s.ID == "" || prov.ConcurrentSessions <= 0 {
		return
	}
	if err := f.deps.Limits.ReleaseSession(ctx, ratelimit.ScopeProvider, prov.ID, s.ID); err != nil {
		log.Warnf("forwarder: release session slot on %s: %v", prov.ID, err)
	}
}

func (f *Forwarder) spec(prov *provider.Provider, forceH1 bool) agentpool.Spec {
	return agentpool.Spec{
		Endpoint:       prov.URL,
		Proxy:          prov.Proxy,
		HTTP2:          prov.UseHTTP2 && !forceH1,
		ConnectTimeout: config.FetchConnectTimeout(),
	}
}

func failureItem(prov *provider.Provider, perr *proxyerr.Error) provider.ChainItem {
	return provider.ChainItem{
		ProviderID:   prov.ID,
		ProviderName: prov.Name,
		Reason:       reasonForKind(perr.Kind),
		StatusCode:   perr.StatusCode,
		Error: &provider.ErrorDetails{
			Kind:    perr.Kind.String(),
			Message: perr.ClientSafeMessage(),
		},
	}
}

func reasonForKind(kind proxyerr.Kind) string {
	switch kind {
	case proxyerr.KindClientAbort:
		return provider.ReasonClientAbort
	case proxyerr.KindNonRetryableClient:
		return provider.ReasonClientErrorNonRetryable
	case proxyerr.KindResourceNotFound:
		return provider.ReasonResourceNotFound
	case proxyerr.KindSystemError:
		return provider.ReasonSystemError
	default:
		return provider.ReasonRetryFailed
	}
}

// failureResult renders the final upstream error to the client, applying
// any operator rule override, and finalizes the request row.
func (f *Forwarder) failureResult(ctx context.Context, s *session.Session, prov *provider.Provider, perr *proxyerr.Error) *Result {
	status := perr.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	var body []byte
	if ov := f.deps.Rules.Match(perr); ov.Matched {
		if ov.Status != 0 {
			status = ov.Status
		}
		if len(ov.Body) > 0 {
			body = ov.Body
		}
	}
	if body == nil {
		body = errorBody(proxyerr.TypeForStatus(status), perr.ClientSafeMessage(), perr.RequestID)
	}
	f.finalizeFailure(ctx, s, prov, perr, status)
	return &Result{Status: status, Header: jsonHeader(), Body: body}
}

// exhaustedResult renders the outcome when a mid-request failover finds no
// remaining candidate. The last upstream failure explains what happened.
func (f *Forwarder) exhaustedResult(ctx context.Context, s *session.Session, prov *provider.Provider, perr *proxyerr.Error) *Result {
	status := http.StatusBadGateway
	body := errorBody(proxyerr.TypeAllProvidersFailed,
		fmt.Sprintf("all providers failed, last error: %s", perr.ClientSafeMessage()), perr.RequestID)
	f.finalizeFailure(ctx, s, prov, perr, status)
	return &Result{Status: status, Header: jsonHeader(), Body: body}
}

// finalizeFailure updates the request row with the failure facts. The row
// may be absent (count-tokens traffic carries none).
func (f *Forwarder) finalizeFailure(ctx context.Context, s *session.Session, prov *provider.Provider, perr *proxyerr.Error, status int) {
	row := s.Row
	if row == nil {
		return
	}
	row.StatusCode = status
	row.DurationMs = time.Since(s.CreatedAt).Milliseconds()
	row.FinalModel = s.UpstreamModel
	row.ProviderID = &prov.ID
	row.ErrorMessage = perr.DetailedMessage()
	row.ErrorCause = perr.Kind.String()
	// The chain's last entry and the row must agree on the final status.
	if last := s.Chain.Last(); last != nil && last.StatusCode != status {
		last.StatusCode = status
	}
	if chain, err := json.Marshal(s.Chain); err == nil {
		row.ProviderChain = chain
	}
	if err := f.deps.Recorder.Update(ctx, row); err != nil {
		log.Warnf("forwarder: finalize failed request %s: %v", s.RequestID, err)
	}
}

func errorBody(errType, message, requestID string) []byte {
	payload := map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	}
	if requestID != "" {
		payload["request_id"] = requestID
	}
	body, _ := json.Marshal(payload)
	return body
}

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}
