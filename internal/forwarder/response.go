package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/pricing"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/ratelimit"
	"github.com/routegate/routegate/internal/respfix"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
	"github.com/routegate/routegate/internal/translator/translator"
)

// snapshotLimit caps the response body stored for live debugging.
const snapshotLimit = 64 << 10

// finishNonStream reads and settles a buffered 2xx response.
func (f *Forwarder) finishNonStream(ctx context.Context, cancel context.CancelFunc, s *session.Session, prov *provider.Provider, resp *http.Response, meta *upstreamMeta) (*Result, *proxyerr.Error) {
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, proxyerr.FromTransport(prov.Name, err)
	}
	metrics.UpstreamDuration.WithLabelValues(prov.Name).Observe(time.Since(meta.Start).Seconds())
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, proxyerr.EmptyResponse(prov.Name)
	}

	fixed := respfix.FixBody(raw)
	native := prov.NativeFormat()
	usage := usageFromBody(native, fixed)

	out := fixed
	if translator.NeedConvert(s.Format, native) {
		metrics.TranslationsTotal.WithLabelValues(native, s.Format).Inc()
		var param any
		out = []byte(translator.ResponseNonStream(s.Format, native, ctx, s.UpstreamModel, s.ParsedBody, meta.Body, fixed, &param))
	}

	// A buffered response has no separate first byte; TTFB is the whole
	// request duration.
	elapsed := time.Since(s.CreatedAt)
	f.settle(ctx, s, prov, settleInfo{
		status:     resp.StatusCode,
		usage:      usage,
		ttfb:       elapsed,
		duration:   elapsed,
		meta:       meta,
		respHeader: resp.Header,
		respBody:   fixed,
	})

	header := jsonHeader()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	return &Result{Status: resp.StatusCode, Header: header, Body: out}, nil
}

// settleInfo carries the facts a finished request settles with.
type settleInfo struct {
	status     int
	usage      pricing.Usage
	ttfb       time.Duration
	duration   time.Duration
	meta       *upstreamMeta
	respHeader http.Header
	respBody   []byte
}

// settle runs the success bookkeeping: chain, cost, counters, row update,
// snapshots, session binding, breaker.
func (f *Forwarder) settle(ctx context.Context, s *session.Session, prov *provider.Provider, info settleInfo) {
	s.Chain = s.Chain.Append(provider.ChainItem{
		ProviderID:   prov.ID,
		ProviderName: prov.Name,
		Reason:       provider.ReasonRequestSuccess,
		StatusCode:   info.status,
	})

	cost, billingModel := f.computeCost(ctx, s, prov, info.usage)
	f.trackCost(ctx, s, prov, cost)
	recordUsageMetrics(prov, billingModel, info.usage, cost)

	f.finalizeSuccess(ctx, s, prov, info, cost)
	f.saveResponseSnapshots(ctx, s, info)

	if s.ID != "" {
		if err := f.deps.Sessions.BindProvider(ctx, s.ID, prov.ID); err != nil {
			log.Warnf("forwarder: bind session %s to %s: %v", s.ID, prov.ID, err)
		}
	}
	if err := f.deps.Breaker.RecordSuccess(ctx, prov.ID); err != nil {
		log.Warnf("forwarder: record success for %s: %v", prov.ID, err)
	}
}

// computeCost resolves the billing model and prices the usage. A missing
// price record means the request proceeds unbilled.
func (f *Forwarder) computeCost(ctx context.Context, s *session.Session, prov *provider.Provider, usage pricing.Usage) (float64, string) {
	if f.deps.Prices == nil {
		return 0, s.UpstreamModel
	}
	source := "original"
	if f.deps.Config != nil && f.deps.Config.BillingModelSource != "" {
		source = f.deps.Config.BillingModelSource
	}
	price, model, ok, err := pricing.ResolveBillingModel(ctx, f.deps.Prices, source, s.OriginalModel(), s.UpstreamModel)
	if err != nil {
		log.Warnf("forwarder: price lookup: %v", err)
		return 0, s.UpstreamModel
	}
	if !ok {
		log.Debugf("forwarder: no price for %q or %q, request unbilled", s.OriginalModel(), s.UpstreamModel)
		return 0, s.UpstreamModel
	}
	return pricing.Compute(price, usage, prov.CostMultiplier), model
}

// trackCost feeds the Redis spend counters: key and provider across all
// period families, user daily only.
func (f *Forwarder) trackCost(ctx context.Context, s *session.Session, prov *provider.Provider, cost float64) {
	if cost <= 0 || f.deps.Limits == nil {
		return
	}
	if s.Key != nil {
		if err := f.deps.Limits.TrackCost(ctx, ratelimit.ScopeKey, s.Key.Hash, cost, s.RequestID, s.Key.Reset); err != nil {
			log.Warnf("forwarder: track key cost: %v", err)
		}
	}
	if s.User != nil {
		if err := f.deps.Limits.TrackDailyOnly(ctx, ratelimit.ScopeUser, s.User.ID, cost, s.RequestID, s.User.Reset); err != nil {
			log.Warnf("forwarder: track user cost: %v", err)
		}
	}
	if err := f.deps.Limits.TrackCost(ctx, ratelimit.ScopeProvider, prov.ID, cost, s.RequestID, prov.Reset); err != nil {
		log.Warnf("forwarder: track provider cost: %v", err)
	}
}

func recordUsageMetrics(prov *provider.Provider, billingModel string, usage pricing.Usage, cost float64) {
	if usage.InputTokens > 0 {
		metrics.TokensTotal.WithLabelValues(billingModel, "input").Add(float64(usage.InputTokens))
	}
	if usage.OutputTokens > 0 {
		metrics.TokensTotal.WithLabelValues(billingModel, "output").Add(float64(usage.OutputTokens))
	}
	if cacheWrite := usage.CacheCreation5mTokens + usage.CacheCreation1hTokens; cacheWrite > 0 {
		metrics.TokensTotal.WithLabelValues(billingModel, "cache_write").Add(float64(cacheWrite))
	}
	if usage.CacheReadTokens > 0 {
		metrics.TokensTotal.WithLabelValues(billingModel, "cache_read").Add(float64(usage.CacheReadTokens))
	}
	if cost > 0 {
		metrics.CostUSDTotal.WithLabelValues(prov.Name).Add(cost)
	}
}

func (f *Forwarder) finalizeSuccess(ctx context.Context, s *session.Session, prov *provider.Provider, info settleInfo, cost float64) {
	row := s.Row
	if row == nil {
		return
	}
	row.StatusCode = info.status
	row.DurationMs = info.duration.Milliseconds()
	row.TTFBMs = info.ttfb.Milliseconds()
	row.InputTokens = info.usage.InputTokens
	row.OutputTokens = info.usage.OutputTokens
	row.CacheCreation5mTokens = info.usage.CacheCreation5mTokens
	row.CacheCreation1hTokens = info.usage.CacheCreation1hTokens
	row.CacheReadTokens = info.usage.CacheReadTokens
	row.Cost = cost
	row.FinalModel = s.UpstreamModel
	row.ProviderID = &prov.ID
	if chain, err := json.Marshal(s.Chain); err == nil {
		row.ProviderChain = chain
	}
	if err := f.deps.Recorder.Update(ctx, row); err != nil {
		log.Warnf("forwarder: finalize request %s: %v", s.RequestID, err)
	}
}

// saveResponseSnapshots stores the response side of the live-debugging
// snapshots, best effort.
func (f *Forwarder) saveResponseSnapshots(ctx context.Context, s *session.Session, info settleInfo) {
	if s.ID == "" || s.Sequence == 0 || f.deps.Sessions == nil {
		return
	}
	fields := make(map[string][]byte, 4)
	if len(info.respBody) > 0 {
		body := info.respBody
		if len(body) > snapshotLimit {
			body = body[:snapshotLimit]
		}
		fields[store.SnapResponse] = body
	}
	if meta := responseMeta(info.status, info.respHeader); meta != nil {
		fields[store.SnapResponseHeaders] = meta
		fields[store.SnapUpstreamResp] = meta
	}
	if info.meta != nil {
		if meta := upstreamReqMeta(info.meta); meta != nil {
			fields[store.SnapUpstreamReq] = meta
		}
	}
	if len(fields) == 0 {
		return
	}
	if err := f.deps.Sessions.SaveSnapshots(ctx, s.ID, s.Sequence, fields); err != nil {
		log.Warnf("forwarder: save response snapshots for %s: %v", s.ID, err)
	}
}

func upstreamReqMeta(meta *upstreamMeta) []byte {
	payload := map[string]interface{}{
		"url":     proxyerr.SanitizeURL(meta.URL),
		"method":  meta.Method,
		"headers": proxyerr.MaskHeaders(meta.Header),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

func responseMeta(status int, h http.Header) []byte {
	payload := map[string]interface{}{
		"status":  status,
		"headers": proxyerr.MaskHeaders(h),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}
