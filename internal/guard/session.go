package guard

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/routegate/routegate/internal/proxyerr"
	"github.com/routegate/routegate/internal/session"
	"github.com/routegate/routegate/internal/store"
)

// sessionStep resolves the session identity, claims the next sequence number
// and persists the request snapshots. Requests that carry no resolvable
// session identity pass through untracked.
type sessionStep struct {
	sessions *store.SessionStore
}

func (sessionStep) Name() string { return "session" }

func (g sessionStep) Run(ctx context.Context, s *session.Session) (*Halt, error) {
	s.ID = s.ResolveID()
	if s.ID == "" {
		return nil, nil
	}

	// The sequence counter orders concurrent requests inside one session;
	// Redis being down means rate limiting is down too, so this is fatal.
	seq, err := g.sessions.NextSequence(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Sequence = seq

	if err := g.sessions.SaveSnapshots(ctx, s.ID, seq, snapshotFields(s)); err != nil {
		log.Warnf("guard: save snapshots for session %s seq %d: %v", s.ID, seq, err)
	}
	return nil, nil
}

// snapshotFields captures the client request for replay and debugging. The
// body is stored as parsed, headers with credentials masked.
func snapshotFields(s *session.Session) map[string][]byte {
	fields := map[string][]byte{
		store.SnapRequest:        s.ParsedBody,
		store.SnapRequestHeaders: requestMeta(s),
	}
	if messages := gjson.GetBytes(s.ParsedBody, s.MessagesPath()); messages.Exists() {
		fields[store.SnapMessages] = []byte(messages.Raw)
	}
	if len(s.SpecialSettings) > 0 {
		if raw, err := json.Marshal(s.SpecialSettings); err == nil {
			fields[store.SnapSpecialSettings] = raw
		}
	}
	return fields
}

func requestMeta(s *session.Session) []byte {
	meta := map[string]interface{}{
		"method":  s.Method,
		"path":    s.Path,
		"headers": proxyerr.MaskHeaders(s.Headers),
	}
	if s.RawQuery != "" {
		meta["query"] = proxyerr.SanitizeURL(s.Path + "?" + s.RawQuery)
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
