package guard

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// authStep resolves the caller's credential against the key repository and
// attaches the key and user to the session.
type authStep struct {
	keys *store.KeyRepository
}

func (authStep) Name() string { return "auth" }

func (g authStep) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	raw, conflict := credentialFrom(s)
	if conflict {
		return haltError(http.StatusUnauthorized, proxyerr.TypeAuthenticationError, "conflicting API keys"), nil
	}
	if raw == "" {
		return haltError(http.StatusUnauthorized, proxyerr.TypeAuthenticationError, "missing API key"), nil
	}

	key, user, err := g.keys.LookupByHash(ctx, store.HashKey(raw))
	if errors.Is(err, store.ErrKeyNotFound) {
		return haltError(http.StatusUnauthorized, proxyerr.TypeInvalidAPIKey, "invalid API key"), nil
	}
	if err != nil {
		return nil, err
	}
	if !key.Enabled {
		return haltError(http.StatusUnauthorized, proxyerr.TypeInvalidAPIKey, "API key disabled"), nil
	}
	if !user.Enabled {
		return haltError(http.StatusUnauthorized, proxyerr.TypeUserDisabled, "user account disabled"), nil
	}
	if user.Expired(time.Now()) {
		// Best-effort flag so later lookups fail without the timestamp check.
		if errMark := g.keys.MarkUserExpired(ctx, user.ID); errMark != nil {
			log.Warnf("guard auth: mark user %s expired: %v", user.ID, errMark)
		}
		return haltError(http.StatusUnauthorized, proxyerr.TypeUserExpired, "user account expired"), nil
	}

	if errTouch := g.keys.TouchLastUsed(ctx, key.Hash); errTouch != nil {
		log.Debugf("guard auth: touch key %s: %v", key.Hash, errTouch)
	}

	s.RawKey = raw
	s.Key = key
	s.User = user
	return nil, nil
}

// credentialFrom gathers the credential from every accepted carrier. More
// than one distinct non-empty value is a conflict; the request is rejected
// rather than guessing which key the caller meant.
func credentialFrom(s *session.Session) (key string, conflict bool) {
	var values []string
	if auth := s.Headers.Get("Authorization"); auth != "" {
		if bearer, ok := cutBearer(auth); ok {
			values = append(values, bearer)
		}
	}
	values = append(values, s.Headers.Get("x-api-key"), s.Headers.Get("x-goog-api-key"))
	if s.RawQuery != "" {
		if q, err := url.ParseQuery(s.RawQuery); err == nil {
			values = append(values, q.Get("key"))
		}
	}

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if key == "" {
			key = v
			continue
		}
		if v != key {
			return "", true
		}
	}
	return key, false
}

func cutBearer(auth string) (string, bool) {
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:]), true
	}
	return "", false
}
