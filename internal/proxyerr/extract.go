package proxyerr

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const textBodyLimit = 500

// messagePaths are the vendor error shapes, most specific first. Claude and
// OpenAI nest under error.message; Gemini batch responses arrive as an array.
var messagePaths = []string{
	"error.message",
	"error.error.message",
	"0.error.message",
	"message",
}

// ExtractMessage pulls a human-readable message out of an upstream error
// body. Returns "" when no known shape matches.
func ExtractMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(cutRunes(string(body), textBodyLimit))
	}
	parsed := gjson.ParseBytes(body)
	for _, path := range messagePaths {
		if v := parsed.Get(path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	if v := parsed.Get("error"); v.Type == gjson.String && v.Str != "" {
		return v.Str
	}
	return ""
}

// requestIDHeaders are checked in order.
var requestIDHeaders = []string{"x-request-id", "request-id", "x-amzn-requestid"}

// requestIDPaths are checked at every nesting level.
var requestIDPaths = []string{
	"request_id",
	"requestId",
	"error.request_id",
	"error.requestId",
}

// ExtractRequestID finds the upstream request id in response headers or in
// the body. Vendors sometimes embed a whole JSON error document inside
// error.message; those are parsed up to two levels deep.
func ExtractRequestID(headers http.Header, body []byte) string {
	for _, name := range requestIDHeaders {
		if v := headers.Get(name); v != "" {
			return v
		}
	}
	return requestIDFromBody(body, 0)
}

func requestIDFromBody(body []byte, depth int) string {
	if depth > 2 || len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	parsed := gjson.ParseBytes(body)
	for _, path := range requestIDPaths {
		if v := parsed.Get(path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	// A JSON document smuggled inside the message string.
	msg := parsed.Get("error.message")
	if msg.Type != gjson.String {
		msg = parsed.Get("message")
	}
	if msg.Type == gjson.String {
		inner := strings.TrimSpace(msg.Str)
		if strings.HasPrefix(inner, "{") {
			return requestIDFromBody([]byte(inner), depth+1)
		}
	}
	return ""
}

// TruncateBody normalizes an upstream body for persistence. Valid JSON is
// kept whole but compacted; anything else is cut at 500 characters.
func TruncateBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if gjson.ValidBytes(body) {
		var compact bytes.Buffer
		if err := json.Compact(&compact, body); err == nil {
			return compact.String()
		}
	}
	return cutRunes(strings.TrimSpace(string(body)), textBodyLimit)
}

func cutRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
