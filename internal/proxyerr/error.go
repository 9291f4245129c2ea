package proxyerr

import (
	"fmt"
	"net/http"
	"sync"
)

// Error is a classified proxied-request failure. The client-facing rendering
// never names the provider; the persisted rendering carries the provider and
// the truncated upstream body.
type Error struct {
	Kind       Kind
	StatusCode int
	Provider   string
	Message    string
	Body       string
	RequestID  string
	Cause      error

	mu       sync.Mutex
	override *Override
}

// FromUpstream builds an Error from a non-2xx upstream response. The body is
// normalized (full re-serialization for JSON, 500-char cut for text), the
// human message and request id are extracted from the documented vendor
// shapes, and the kind follows the status.
func FromUpstream(provider string, status int, headers http.Header, body []byte) *Error {
	e := &Error{
		Kind:       ClassifyStatus(status),
		StatusCode: status,
		Provider:   provider,
		Message:    ExtractMessage(body),
		Body:       TruncateBody(body),
		RequestID:  ExtractRequestID(headers, body),
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// FromTransport builds an Error from a failed upstream exchange that never
// produced a response.
func FromTransport(provider string, err error) *Error {
	return &Error{
		Kind:     ClassifyTransport(err),
		Provider: provider,
		Message:  err.Error(),
		Cause:    err,
	}
}

// EmptyResponse builds the provider-error raised when an upstream returns
// 2xx with no usable body.
func EmptyResponse(provider string) *Error {
	return &Error{
		Kind:       KindProviderError,
		StatusCode: http.StatusBadGateway,
		Provider:   provider,
		Message:    "upstream returned an empty response",
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the transport cause, when any.
func (e *Error) Unwrap() error { return e.Cause }

// ClientSafeMessage renders the message shown to the caller. It must not
// leak which provider served the request.
func (e *Error) ClientSafeMessage() string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case KindClientAbort:
		return "client closed the connection"
	case KindResourceNotFound:
		return "upstream resource not found"
	case KindSystemError:
		return "upstream connection failed"
	default:
		return "upstream request failed"
	}
}

// DetailedMessage renders the persisted form: provider, status, message, and
// the truncated upstream body.
func (e *Error) DetailedMessage() string {
	detail := fmt.Sprintf("[provider=%s status=%d kind=%s] %s", e.Provider, e.StatusCode, e.Kind, e.Message)
	if e.Body != "" && e.Body != e.Message {
		detail += " | upstream: " + e.Body
	}
	if e.RequestID != "" {
		detail += " | request_id: " + e.RequestID
	}
	return detail
}

// MatchContent is the text the rule engine matches against: the upstream
// body when present, the message otherwise.
func (e *Error) MatchContent() string {
	if e.Body != "" {
		return e.Body
	}
	return e.Message
}

func (e *Error) cachedOverride() (*Override, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.override == nil {
		return nil, false
	}
	return e.override, true
}

func (e *Error) storeOverride(o *Override) {
	e.mu.Lock()
	e.override = o
	e.mu.Unlock()
}
