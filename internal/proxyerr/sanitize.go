package proxyerr

import (
	"net/http"
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveHeaders are masked in any persisted request or response detail.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"x-goog-api-key":      {},
	"api-key":             {},
	"cookie":              {},
	"set-cookie":          {},
	"x-auth-token":        {},
	"x-session-token":     {},
}

// exactSensitiveParams are masked by exact name match.
var exactSensitiveParams = map[string]struct{}{
	"key":     {},
	"api_key": {},
	"apikey":  {},
	"api-key": {},
	"auth":    {},
	"sig":     {},
}

// fuzzySensitiveFragments mask any parameter whose name contains them.
var fuzzySensitiveFragments = []string{"token", "secret", "password", "credential"}

// SanitizeURL replaces sensitive query parameter values with a redaction
// marker while preserving origin, path, fragment, and every other parameter.
// Unparseable input is returned unchanged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := u.Query()
	changed := false
	for name := range query {
		if isSensitiveParam(name) {
			query.Set(name, redacted)
			changed = true
		}
	}
	if changed {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := exactSensitiveParams[lower]; ok {
		return true
	}
	for _, fragment := range fuzzySensitiveFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// MaskHeaders flattens headers to single values with sensitive ones redacted.
func MaskHeaders(h http.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) == 0 {
			continue
		}
		if _, sensitive := sensitiveHeaders[strings.ToLower(name)]; sensitive {
			out[name] = redacted
			continue
		}
		out[name] = values[0]
	}
	return out
}
