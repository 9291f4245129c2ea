package session

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// clientIDPaths are probed in order for an explicit session id.
var clientIDPaths = []string{
	"metadata.session_id",
	"session_id",
	"request.session_id",
}

// embeddedSessionRe pulls the session UUID out of a CLI-style
// metadata.user_id value.
var embeddedSessionRe = regexp.MustCompile(`session_([a-f0-9-]{36})`)

var sessionIDCleaner = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// ResolveID picks the session identifier: an explicit client-provided id,
// the id embedded in a CLI user_id, or the deterministic fingerprint. Empty
// means no ingredient existed at all.
func (s *Session) ResolveID() string {
	if id := s.clientSessionID(); id != "" {
		return id
	}
	return DeterministicSessionID(s.UserAgent(), s.ClientIP(), s.RawKey)
}

func (s *Session) clientSessionID() string {
	for _, path := range clientIDPaths {
		if id := sanitizeSessionID(gjson.GetBytes(s.ParsedBody, path).String()); id != "" {
			return id
		}
	}
	if userID := gjson.GetBytes(s.ParsedBody, "metadata.user_id").String(); userID != "" {
		if m := embeddedSessionRe.FindStringSubmatch(userID); m != nil {
			return "sess_" + m[1]
		}
	}
	if user := sanitizeSessionID(gjson.GetBytes(s.ParsedBody, "user").String()); user != "" {
		return user
	}
	return ""
}

// sanitizeSessionID strips characters that would break Redis key paths and
// caps the length.
func sanitizeSessionID(id string) string {
	id = sessionIDCleaner.ReplaceAllString(strings.TrimSpace(id), "")
	if len(id) > 128 {
		id = id[:128]
	}
	return id
}

// DeterministicSessionID fingerprints a caller from its user agent, first
// forwarded address, and key prefix. Returns "" when every ingredient is
// empty.
func DeterministicSessionID(userAgent, clientIP, apiKey string) string {
	if userAgent == "" && clientIP == "" && apiKey == "" {
		return ""
	}
	keyPart := apiKey
	if len(keyPart) > 10 {
		keyPart = keyPart[:10]
	}
	sum := sha256.Sum256([]byte(userAgent + "|" + clientIP + "|" + keyPart))
	return "sess_" + hex.EncodeToString(sum[:])[:32]
}
