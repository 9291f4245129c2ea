package forwarder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/net/http2"

	"github.com/routegate/routegate/internal/config"
	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/metrics"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/translator/translator"
)

// claudeCodeSystem is the identity block expected by OAuth Anthropic
// endpoints; the disguise path injects it for non-CLI traffic.
const claudeCodeSystem = "You are Claude Code, Anthropic's official CLI for Claude"

// context1MBeta is the Anthropic beta token enabling the 1M-token window.
const context1MBeta = "context-1m-2025-08-07"

// upstreamMeta records what one attempt actually sent, for snapshots and
// chain error details.
type upstreamMeta struct {
	URL    string
	Method string
	Header http.Header
	Body   []byte
	Start  time.Time
}

// attempt performs one upstream exchange. A nil error means the Result is
// final; the streaming path returns as soon as upstream headers arrive and
// finishes in a background drain.
func (f *Forwarder) attempt(ctx context.Context, s *session.Session, prov *provider.Provider, forceH1 bool) (*Result, *proxyerr.Error) {
	body := f.buildUpstreamBody(s, prov)
	target := upstreamURL(prov, s)
	header := upstreamHeaders(s, prov)

	client, err := f.deps.Pool.Client(f.spec(prov, forceH1))
	if err != nil {
		return nil, &proxyerr.Error{
			Kind:     proxyerr.KindSystemError,
			Provider: prov.Name,
			Message:  fmt.Sprintf("acquire dispatcher: %v", err),
			Cause:    err,
		}
	}

	var upCtx context.Context
	var cancel context.CancelFunc
	if s.Stream {
		upCtx, cancel = context.WithCancel(ctx)
	} else {
		upCtx, cancel = context.WithTimeout(ctx, f.nonStreamTimeout(prov))
	}

	req, err := http.NewRequestWithContext(upCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, &proxyerr.Error{
			Kind:     proxyerr.KindSystemError,
			Provider: prov.Name,
			Message:  fmt.Sprintf("build request: %v", err),
			Cause:    err,
		}
	}
	req.Header = header

	meta := &upstreamMeta{URL: target, Method: http.MethodPost, Header: header, Body: body, Start: time.Now()}

	// Headers must arrive within the fetch-headers budget even on streams,
	// where the body itself has no total deadline.
	headersTimer := time.AfterFunc(config.FetchHeadersTimeout(), cancel)
	resp, err := client.Do(req)
	headersTimer.Stop()
	if err != nil {
		cancel()
		return nil, proxyerr.FromTransport(prov.Name, err)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(prov.Name, statusClass(resp.StatusCode)).Inc()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		cancel()
		return nil, proxyerr.FromUpstream(prov.Name, resp.StatusCode, resp.Header, raw)
	}

	if isEventStream(resp.Header) {
		return f.finishStream(ctx, cancel, s, prov, resp, meta)
	}
	return f.finishNonStream(upCtx, cancel, s, prov, resp, meta)
}

func (f *Forwarder) nonStreamTimeout(prov *provider.Provider) time.Duration {
	if prov.RequestTimeout > 0 {
		return prov.RequestTimeout
	}
	if f.deps.Config != nil && f.deps.Config.ProviderDefaults.RequestTimeoutNonStreamingMs > 0 {
		return time.Duration(f.deps.Config.ProviderDefaults.RequestTimeoutNonStreamingMs) * time.Millisecond
	}
	return 10 * time.Minute
}

func (f *Forwarder) idleTimeout(prov *provider.Provider) time.Duration {
	if prov.StreamingIdleTimeout > 0 {
		return prov.StreamingIdleTimeout
	}
	if f.deps.Config != nil && f.deps.Config.ProviderDefaults.StreamingIdleTimeoutMs > 0 {
		return time.Duration(f.deps.Config.ProviderDefaults.StreamingIdleTimeoutMs) * time.Millisecond
	}
	return time.Minute
}

// buildUpstreamBody translates the session body into the provider's native
// dialect and applies per-type payload fixups.
func (f *Forwarder) buildUpstreamBody(s *session.Session, prov *provider.Provider) []byte {
	native := prov.NativeFormat()
	var body []byte
	if translator.NeedConvert(s.Format, native) {
		metrics.TranslationsTotal.WithLabelValues(s.Format, native).Inc()
		body = translator.Request(s.Format, native, s.UpstreamModel, bytes.Clone(s.Body), s.Stream)
	} else {
		body = bytes.Clone(s.Body)
		if s.UpstreamModel != "" && s.UpstreamModel != s.Model && gjson.GetBytes(body, "model").Exists() {
			body, _ = sjson.SetBytes(body, "model", s.UpstreamModel)
		}
	}
	if prov.Type == TypeClaudeAuth && s.NeedsClaudeDisguise {
		body = disguiseClaude(body)
	}
	if prov.Type == TypeGeminiCLI {
		body = normalizeCLIProject(body)
	}
	return body
}

// disguiseClaude makes a non-CLI payload read as Claude Code traffic: the
// identity text must be the first system block.
func disguiseClaude(body []byte) []byte {
	identity := map[string]interface{}{
		"type": "text",
		"text": claudeCodeSystem,
		"cache_control": map[string]string{
			"type": "ephemeral",
		},
	}
	sys := gjson.GetBytes(body, "system")
	blocks := []interface{}{identity}
	switch {
	case sys.Type == gjson.String:
		if text := sys.String(); text != "" {
			blocks = append(blocks, map[string]string{"type": "text", "text": text})
		}
	case sys.IsArray():
		for i, block := range sys.Array() {
			if i == 0 && strings.Contains(block.Get("text").String(), claudeCodeSystem) {
				return body
			}
			blocks = append(blocks, json.RawMessage(block.Raw))
		}
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return body
	}
	out, err := sjson.SetRawBytes(body, "system", raw)
	if err != nil {
		return body
	}
	return out
}

// normalizeCLIProject drops an empty project field from a Cloud Code
// envelope; the endpoint rejects `"project": ""`.
func normalizeCLIProject(body []byte) []byte {
	project := gjson.GetBytes(body, "project")
	if project.Exists() && strings.TrimSpace(project.String()) == "" {
		if out, err := sjson.DeleteBytes(body, "project"); err == nil {
			return out
		}
	}
	return body
}

// upstreamURL composes the final target for the provider, including the
// dialect-specific endpoint path and the SSE marker Google endpoints need.
func upstreamURL(prov *provider.Provider, s *session.Session) string {
	path := upstreamPath(prov, s)
	query := forwardQuery(s.RawQuery)
	native := prov.NativeFormat()
	if (native == Gemini || native == GeminiCLI) && s.Stream && !isCountTokens(s.Path) {
		if query == "" {
			query = "alt=sse"
		} else if !strings.Contains(query, "alt=") {
			query += "&alt=sse"
		}
	}
	return BuildProxyURL(prov.URL, path, query)
}

func upstreamPath(prov *provider.Provider, s *session.Session) string {
	count := isCountTokens(s.Path)
	native := prov.NativeFormat()
	if native == s.Format && native != Gemini && native != GeminiCLI {
		return s.Path
	}
	switch native {
	case Claude:
		if count {
			return "/v1/messages/count_tokens"
		}
		return "/v1/messages"
	case OpenAI:
		return "/v1/chat/completions"
	case Response:
		return "/v1/responses"
	case Gemini:
		return geminiPath(s.UpstreamModel, s.Stream, count)
	case GeminiCLI:
		return geminiCLIPath(s.Stream, count)
	default:
		return s.Path
	}
}

func geminiPath(model string, stream, count bool) string {
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	if count {
		action = "countTokens"
	}
	return "/v1beta/models/" + model + ":" + action
}

func geminiCLIPath(stream, count bool) string {
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	if count {
		action = "countTokens"
	}
	return "/v1internal:" + action
}

func isCountTokens(path string) bool {
	return strings.HasSuffix(path, "/count_tokens") || strings.Contains(path, ":countTokens")
}

// forwardQuery passes the client query through minus the credential param
// the auth guard consumed.
func forwardQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	vals, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}
	vals.Del("key")
	return vals.Encode()
}

// upstreamHeaders builds the auth and protocol headers for the provider
// type, following each vendor's expected client shape.
func upstreamHeaders(s *session.Session, prov *provider.Provider) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	switch prov.Type {
	case TypeClaude:
		h.Set("x-api-key", prov.APIKey)
		h.Set("Anthropic-Version", anthropicVersion(s))
		setAnthropicBeta(h, s, prov, "")
	case TypeClaudeAuth:
		h.Set("Authorization", "Bearer "+prov.APIKey)
		h.Set("Anthropic-Version", anthropicVersion(s))
		setAnthropicBeta(h, s, prov, "oauth-2025-04-20")
	case TypeCodex:
		h.Set("Authorization", "Bearer "+prov.APIKey)
		h.Set("Version", "0.21.0")
		h.Set("Openai-Beta", "responses=experimental")
		h.Set("Session_id", codexSessionID(s))
		h.Set("Accept", "text/event-stream")
	case TypeOpenAICompatible:
		h.Set("Authorization", "Bearer "+prov.APIKey)
		if s.Stream {
			h.Set("Accept", "text/event-stream")
		}
	case TypeGemini:
		h.Set("x-goog-api-key", prov.APIKey)
	case TypeGeminiCLI:
		h.Set("Authorization", "Bearer "+prov.APIKey)
		h.Set("User-Agent", "google-api-nodejs-client/9.15.1")
		h.Set("X-Goog-Api-Client", "gl-node/22.17.0")
		if s.Stream {
			h.Set("Accept", "text/event-stream")
		} else {
			h.Set("Accept", "application/json")
		}
	}
	return h
}

func anthropicVersion(s *session.Session) string {
	if v := s.Headers.Get("anthropic-version"); v != "" {
		return v
	}
	return "2023-06-01"
}

// setAnthropicBeta merges the client's beta tokens with the ones the
// provider type or 1M preference requires.
func setAnthropicBeta(h http.Header, s *session.Session, prov *provider.Provider, required string) {
	tokens := make([]string, 0, 4)
	seen := make(map[string]bool)
	add := func(raw string) {
		for _, tok := range strings.Split(raw, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" || seen[tok] {
				continue
			}
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}
	if required != "" {
		add(required)
	}
	add(s.Headers.Get("anthropic-beta"))
	if prov.Context1M == provider.Context1MForceEnable || (s.Want1M && prov.Context1M != provider.Context1MDisabled) {
		add(context1MBeta)
	}
	if len(tokens) > 0 {
		h.Set("anthropic-beta", strings.Join(tokens, ","))
	}
}

func codexSessionID(s *session.Session) string {
	if s.ID != "" {
		return s.ID
	}
	return uuid.NewString()
}

// answerCountLocally serves a count-tokens request against a provider whose
// dialect has no count endpoint, using a byte-length estimate rendered in
// the client's format.
func (f *Forwarder) answerCountLocally(ctx context.Context, s *session.Session) (*Result, bool) {
	if !isCountTokens(s.Path) {
		return nil, false
	}
	native := s.Provider.NativeFormat()
	switch native {
	case Claude, Gemini, GeminiCLI:
		return nil, false
	}
	estimate := estimateTokens(s.Body)
	payload := translator.TokenCount(s.Format, native, ctx, estimate)
	if payload == "" {
		payload = fmt.Sprintf(`{"input_tokens":%d}`, estimate)
	}
	return &Result{Status: http.StatusOK, Header: jsonHeader(), Body: []byte(payload)}, true
}

// estimateTokens is the rough chars/4 heuristic used only when the upstream
// cannot count for us.
func estimateTokens(body []byte) int64 {
	text := gjson.GetBytes(body, "messages").Raw
	if text == "" {
		text = string(body)
	}
	n := int64(len(text) / 4)
	if n < 1 {
		n = 1
	}
	return n
}

func isEventStream(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream")
}

func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

// isHTTP2Error reports a protocol-level HTTP/2 failure worth one HTTP/1.1
// fallback on the same provider.
func isHTTP2Error(err error) bool {
	if err == nil {
		return false
	}
	var streamErr http2.StreamError
	var goAway http2.GoAwayError
	var connErr http2.ConnectionError
	if errors.As(err, &streamErr) || errors.As(err, &goAway) || errors.As(err, &connErr) {
		return true
	}
	return strings.Contains(err.Error(), "http2:")
}
