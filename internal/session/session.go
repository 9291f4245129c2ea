// Package session builds the per-request state every guard and the forwarder
// operate on: the buffered body, the detected wire format, the resolved model,
// the identity of the caller, and the provider decision history. A session is
// single-owner; nothing here is safe for concurrent use.
package session

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	. "github.com/routegate/routegate/internal/constant"
	"github.com/routegate/routegate/internal/provider"
	"github.com/routegate/routegate/internal/store"
)

// BodyLimit is the truncation threshold. A body past it that still yields no
// model fails early instead of being forwarded half-read.
const BodyLimit = 10 << 20

// DefaultGeminiModel is applied when the body shape clearly says Gemini but
// neither body nor path names a model.
const DefaultGeminiModel = "gemini-2.5-pro"

// Session is the request-scoped state.
type Session struct {
	RequestID string
	CreatedAt time.Time

	// ID is the resolved session identifier, client-provided or
	// deterministic. Sequence is assigned by the session guard.
	ID       string
	Sequence int64

	Method   string
	Path     string
	RawQuery string

	// Headers is the working copy filters may mutate; the original
	// snapshot backs IsHeaderModified.
	Headers  http.Header
	original http.Header

	RemoteAddr string

	// Body is the working copy of the request payload. ParsedBody is the
	// JSON view: identical to Body for valid JSON, otherwise {"raw": text}.
	Body       []byte
	ParsedBody []byte
	Truncated  bool

	Format string
	Model  string
	Stream bool

	originalModel string

	// Auth state, populated by the auth guard.
	RawKey string
	Key    *store.Key
	User   *store.User

	// Group is the effective provider-group expression; the client guard
	// may force it.
	Group string

	// IsCLI marks a verified CLI client; NeedsClaudeDisguise marks
	// claude-format traffic from anything else.
	IsCLI               bool
	NeedsClaudeDisguise bool

	// Want1M marks a request carrying the 1M-context beta flag.
	Want1M bool

	// Provider state after selection.
	Provider      *provider.Provider
	UpstreamModel string
	Decision      *provider.DecisionContext
	Chain         provider.Chain
	ReusedSession bool

	// Row is the persisted request record, created by the message-context
	// guard and finalized by the forwarder.
	Row *store.MessageRequest

	// SpecialSettings collects per-request oddities worth persisting.
	SpecialSettings map[string]interface{}
}

// FromRequest buffers the body and derives the initial session state. The
// request body is consumed.
func FromRequest(r *http.Request) (*Session, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, BodyLimit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	truncated := false
	if len(body) > BodyLimit {
		body = body[:BodyLimit]
		truncated = true
	}

	s := &Session{
		RequestID:       uuid.NewString(),
		CreatedAt:       time.Now(),
		Method:          r.Method,
		Path:            r.URL.Path,
		RawQuery:        r.URL.RawQuery,
		Headers:         r.Header.Clone(),
		original:        r.Header.Clone(),
		RemoteAddr:      r.RemoteAddr,
		Body:            body,
		Truncated:       truncated,
		SpecialSettings: map[string]interface{}{},
	}
	s.ParsedBody = parseBody(body)
	s.Format = detectFormat(s)
	s.Model = extractModel(s)
	s.Stream = detectStream(s)
	s.Want1M = strings.Contains(s.Headers.Get("anthropic-beta"), "context-1m")
	return s, nil
}

// parseBody returns the JSON view of the payload; non-JSON text is wrapped
// so downstream gjson paths stay total.
func parseBody(body []byte) []byte {
	if len(body) == 0 {
		return []byte(`{}`)
	}
	if gjson.ValidBytes(body) {
		return body
	}
	text := body
	if !utf8.Valid(text) {
		text = []byte(strings.ToValidUTF8(string(text), string(utf8.RuneError)))
	}
	wrapped, err := sjson.SetBytes([]byte(`{}`), "raw", string(text))
	if err != nil {
		return []byte(`{}`)
	}
	return wrapped
}

// detectFormat applies the recognition order: headers first, then path, then
// body shape, with OpenAI Chat as the fallback.
func detectFormat(s *Session) string {
	if s.Headers.Get("anthropic-version") != "" {
		return Claude
	}
	if strings.Contains(s.Path, "/v1internal") {
		return GeminiCLI
	}
	if s.Headers.Get("x-goog-api-key") != "" || strings.Contains(s.Path, "/v1beta/") {
		return Gemini
	}
	parsed := gjson.ParseBytes(s.ParsedBody)
	if parsed.Get("input").IsArray() {
		return Response
	}
	if parsed.Get("request.contents").IsArray() {
		return GeminiCLI
	}
	if parsed.Get("contents").IsArray() {
		return Gemini
	}
	return OpenAI
}

// extractModel resolves the model name: body, then URL path, then the Gemini
// default when the shape clearly says Gemini.
func extractModel(s *Session) string {
	if model := gjson.GetBytes(s.ParsedBody, "model").String(); model != "" {
		return model
	}
	if model := modelFromPath(s.Path); model != "" {
		return model
	}
	if s.Format == Gemini || s.Format == GeminiCLI {
		return DefaultGeminiModel
	}
	return ""
}

// modelFromPath pulls {model} out of /v1beta/models/{model}:action or
// /v1/models/{model}:action.
func modelFromPath(path string) string {
	for _, prefix := range []string{"/v1beta/models/", "/v1/models/"} {
		idx := strings.Index(path, prefix)
		if idx < 0 {
			continue
		}
		rest := path[idx+len(prefix):]
		if colon := strings.IndexByte(rest, ':'); colon > 0 {
			return rest[:colon]
		}
		if rest != "" && !strings.Contains(rest, "/") {
			return rest
		}
	}
	return ""
}

// detectStream reports whether the client asked for a streaming response.
func detectStream(s *Session) bool {
	if strings.Contains(s.Path, ":streamGenerateContent") {
		return true
	}
	return gjson.GetBytes(s.ParsedBody, "stream").Bool()
}

// OverLimit reports a truncated body that still yielded no model; such a
// request cannot be routed or safely forwarded.
func (s *Session) OverLimit() bool {
	return s.Truncated && s.Model == ""
}

// ReplaceBody swaps the working payload after a filter rewrite and re-derives
// the JSON view, the model when the new body names one, and the stream flag.
// The detected format is fixed at arrival.
func (s *Session) ReplaceBody(body []byte) {
	s.Body = body
	s.ParsedBody = parseBody(body)
	if model := gjson.GetBytes(s.ParsedBody, "model").String(); model != "" {
		s.Model = model
	}
	s.Stream = detectStream(s)
}

// SetOriginalModel records the pre-redirect model once; later calls are
// ignored.
func (s *Session) SetOriginalModel(model string) {
	if s.originalModel == "" {
		s.originalModel = model
	}
}

// OriginalModel returns the write-once pre-redirect model, falling back to
// the resolved model when nothing was recorded.
func (s *Session) OriginalModel() string {
	if s.originalModel != "" {
		return s.originalModel
	}
	return s.Model
}

// IsHeaderModified reports whether a filter changed the named header since
// the request arrived.
func (s *Session) IsHeaderModified(name string) bool {
	origValues := s.original.Values(name)
	curValues := s.Headers.Values(name)
	if len(origValues) != len(curValues) {
		return true
	}
	for i := range origValues {
		if origValues[i] != curValues[i] {
			return true
		}
	}
	return false
}

// UserAgent returns the client's user agent.
func (s *Session) UserAgent() string { return s.Headers.Get("User-Agent") }

// ClientIP returns the first forwarded address, or the socket peer.
func (s *Session) ClientIP() string {
	if fwd := s.Headers.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	host := s.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		host = host[:idx]
	}
	return host
}

// MessagesPath returns the format-specific path of the message list.
func (s *Session) MessagesPath() string {
	switch s.Format {
	case Response:
		return "input"
	case Gemini:
		return "contents"
	case GeminiCLI:
		return "request.contents"
	default:
		return "messages"
	}
}

// Messages returns the normalized message list.
func (s *Session) Messages() []gjson.Result {
	return gjson.GetBytes(s.ParsedBody, s.MessagesPath()).Array()
}

// ShouldReuseProvider reports whether this request continues a conversation
// and should prefer the session's bound provider.
func (s *Session) ShouldReuseProvider() bool {
	return len(s.Messages()) > 1
}

// EffectiveGroup resolves the provider-group expression, honoring a forced
// group set by the client guard.
func (s *Session) EffectiveGroup() string {
	if s.Group != "" {
		return s.Group
	}
	return s.Key.EffectiveGroup(s.User)
}

// CacheTTL reports the prompt-cache TTL the request asked for: "1h" when any
// cache_control block carries it, else "5m".
func (s *Session) CacheTTL() string {
	ttl := "5m"
	var walk func(value gjson.Result)
	walk = func(value gjson.Result) {
		if value.Type != gjson.JSON {
			return
		}
		if value.Get("cache_control.ttl").String() == "1h" {
			ttl = "1h"
			return
		}
		value.ForEach(func(_, child gjson.Result) bool {
			walk(child)
			return ttl != "1h"
		})
	}
	walk(gjson.ParseBytes(s.ParsedBody))
	return ttl
}
