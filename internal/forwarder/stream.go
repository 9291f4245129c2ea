package forwarder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/respfix"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
	"github.com/routegate/routegate/internal/translator/translator"
)

// finishStream returns the client a pipe as soon as upstream headers land;
// a background drain owns the upstream body, the timers, translation, and
// all finalization. Once bytes flow to the client there is no retry.
func (f *Forwarder) finishStream(ctx context.Context, cancel context.CancelFunc, s *session.Session, prov *provider.Provider, resp *http.Response, meta *upstreamMeta) (*Result, *proxyerr.Error) {
	pr, pw := io.Pipe()
	go f.drainStream(ctx, cancel, s, prov, resp, meta, pw)

	header := http.Header{}
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	return &Result{Status: resp.StatusCode, Header: header, Stream: pr}, nil
}

func (f *Forwarder) drainStream(ctx context.Context, cancel context.CancelFunc, s *session.Session, prov *provider.Provider, resp *http.Response, meta *upstreamMeta, pw *io.PipeWriter) {
	defer resp.Body.Close()
	defer cancel()

	// Bookkeeping must survive the handler returning once the stream ends.
	bg := context.WithoutCancel(ctx)

	var mu sync.Mutex
	var timedOut string
	expire := func(reason string) {
		mu.Lock()
		if timedOut == "" {
			timedOut = reason
		}
		mu.Unlock()
		cancel()
	}

	idle := f.idleTimeout(prov)
	idleTimer := time.AfterFunc(idle, func() { expire("idle_timeout") })
	defer idleTimer.Stop()
	if prov.IsAnthropic() {
		totalTimer := time.AfterFunc(anthropicStreamMax, func() { expire("total_timeout") })
		defer totalTimer.Stop()
	}

	native := prov.NativeFormat()
	convert := translator.NeedConvert(s.Format, native)
	if convert {
		metrics.TranslationsTotal.WithLabelValues(native, s.Format).Inc()
	}
	var param any
	su := newStreamUsage(native)

	scanner := bufio.NewScanner(respfix.NewReader(resp.Body))
	scanner.Buffer(make([]byte, 64*1024), respfix.MaxFixSize+64*1024)

	var ttfb time.Duration
	var clientGone bool
	var snapshot bytes.Buffer

	writeOut := func(p []byte) {
		if clientGone {
			return
		}
		if _, err := pw.Write(p); err != nil {
			clientGone = true
			cancel()
		}
	}

	for scanner.Scan() {
		line := bytes.Clone(scanner.Bytes())
		idleTimer.Reset(idle)
		if ttfb == 0 {
			ttfb = time.Since(meta.Start)
			metrics.UpstreamTTFB.WithLabelValues(prov.Name).Observe(ttfb.Seconds())
		}
		su.feed(line)
		if snapshot.Len() < snapshotLimit {
			snapshot.Write(line)
			snapshot.WriteByte('\n')
		}
		if convert {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			for _, chunk := range translator.Response(s.Format, native, ctx, s.UpstreamModel, s.ParsedBody, meta.Body, line, &param) {
				writeOut(frameChunk(chunk))
			}
		} else {
			writeOut(append(line, '\n'))
		}
		if clientGone {
			break
		}
	}
	scanErr := scanner.Err()

	mu.Lock()
	reason := timedOut
	mu.Unlock()

	duration := time.Since(s.CreatedAt)
	metrics.UpstreamDuration.WithLabelValues(prov.Name).Observe(time.Since(meta.Start).Seconds())

	info := settleInfo{
		status:     resp.StatusCode,
		usage:      su.usage,
		ttfb:       ttfb,
		duration:   duration,
		meta:       meta,
		respHeader: resp.Header,
		respBody:   snapshot.Bytes(),
	}

	switch {
	case clientGone || (ctx.Err() != nil && reason == ""):
		f.streamAborted(bg, s, prov, info)
		pw.CloseWithError(context.Canceled)
	case reason != "":
		f.streamIncomplete(bg, s, prov, pw, reason, info)
	case scanErr != nil:
		f.streamIncomplete(bg, s, prov, pw, "upstream_error", info)
	case prov.IsAnthropic() && !su.terminal:
		f.streamIncomplete(bg, s, prov, pw, "missing_terminal", info)
	default:
		f.settle(bg, s, prov, info)
		pw.Close()
	}
}

// streamAborted persists the failure row for a client that hung up
// mid-stream. The abort does not feed the breaker.
func (f *Forwarder) streamAborted(ctx context.Context, s *session.Session, prov *provider.Provider, info settleInfo) {
	metrics.StreamDisconnectsTotal.WithLabelValues("client_abort").Inc()
	s.Chain = s.Chain.Append(provider.ChainItem{
		ProviderID:   prov.ID,
		ProviderName: prov.Name,
		Reason:       provider.ReasonClientAbort,
		StatusCode:   499,
	})
	row := s.Row
	if row != nil {
		row.StatusCode = 499
		row.ErrorMessage = "client disconnected mid-stream"
		row.ErrorCause = "CLIENT_ABORT"
		f.writeStreamRow(ctx, s, info, row)
	}
	f.saveResponseSnapshots(ctx, s, info)
}

// streamIncomplete ends a broken stream: 502 on the row, a breaker failure,
// and a terminal SSE error event to the client. Partial token counts are
// kept for observability but the request is not billed.
func (f *Forwarder) streamIncomplete(ctx context.Context, s *session.Session, prov *provider.Provider, pw *io.PipeWriter, reason string, info settleInfo) {
	metrics.StreamDisconnectsTotal.WithLabelValues(reason).Inc()
	if err := f.deps.Breaker.RecordFailure(ctx, prov.ID); err != nil {
		log.Warnf("forwarder: record stream failure for %s: %v", prov.ID, err)
	}
	s.Chain = s.Chain.Append(provider.ChainItem{
		ProviderID:   prov.ID,
		ProviderName: prov.Name,
		Reason:       provider.ReasonStreamIncomplete,
		StatusCode:   http.StatusBadGateway,
		Error: &provider.ErrorDetails{
			Kind:    "PROVIDER_ERROR",
			Message: reason,
		},
	})

	row := s.Row
	if row != nil {
		row.StatusCode = http.StatusBadGateway
		row.ErrorMessage = fmt.Sprintf("stream incomplete: %s", reason)
		row.ErrorCause = "PROVIDER_ERROR"
		f.writeStreamRow(ctx, s, info, row)
	}
	f.saveResponseSnapshots(ctx, s, info)

	pw.Write(streamErrorEvent(reason))
	pw.Close()
}

// writeStreamRow fills in the stream timing and token facts shared by every
// terminal stream outcome.
func (f *Forwarder) writeStreamRow(ctx context.Context, s *session.Session, info settleInfo, row *store.MessageRequest) {
	row.DurationMs = info.duration.Milliseconds()
	row.TTFBMs = info.ttfb.Milliseconds()
	row.InputTokens = info.usage.InputTokens
	row.OutputTokens = info.usage.OutputTokens
	row.CacheCreation5mTokens = info.usage.CacheCreation5mTokens
	row.CacheCreation1hTokens = info.usage.CacheCreation1hTokens
	row.CacheReadTokens = info.usage.CacheReadTokens
	row.FinalModel = s.UpstreamModel
	row.ProviderID = &s.Provider.ID
	if chain, err := json.Marshal(s.Chain); err == nil {
		row.ProviderChain = chain
	}
	if err := f.deps.Recorder.Update(ctx, row); err != nil {
		log.Warnf("forwarder: finalize stream request %s: %v", s.RequestID, err)
	}
}

// frameChunk wraps a translator output chunk as an SSE frame. Claude-client
// chunks arrive pre-framed with their event line; everything else is a bare
// payload.
func frameChunk(chunk string) []byte {
	if strings.HasPrefix(chunk, "event:") {
		if !strings.HasSuffix(chunk, "\n\n") {
			chunk += "\n\n"
		}
		return []byte(chunk)
	}
	return []byte("data: " + chunk + "\n\n")
}

// streamErrorEvent is the terminal SSE event for a stream the upstream
// never finished; the client already holds a 2xx status.
func streamErrorEvent(reason string) []byte {
	payload := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    proxyerr.TypeBadGateway,
			"code":    "stream_incomplete",
			"message": fmt.Sprintf("upstream stream ended before completion (%s)", reason),
		},
	}
	data, _ := json.Marshal(payload)
	return []byte("event: error\ndata: " + string(data) + "\n\n")
}
