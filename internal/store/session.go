package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionTTL bounds every session key: snapshots, the sequence counter, and
// the provider binding all age out together.
const SessionTTL = 5 * time.Minute

// Snapshot field names under sess:<id>:<seq>:.
const (
	SnapRequest         = "request"
	SnapResponse        = "response"
	SnapRequestHeaders  = "request_headers"
	SnapResponseHeaders = "response_headers"
	SnapUpstreamReq     = "upstream_req_meta"
	SnapUpstreamResp    = "upstream_resp_meta"
	SnapMessages        = "messages"
	SnapSpecialSettings = "special_settings"
)

// SessionStore keeps the short-lived per-session state in Redis: the
// monotonic request sequence, the provider binding for affinity, and the
// redacted request/response snapshots for live inspection.
type SessionStore struct {
	rdb *redis.Client
}

// NewSessionStore builds the store over a Redis client.
func NewSessionStore(rdb *redis.Client) *SessionStore {
	return &SessionStore{rdb: rdb}
}

func seqKey(sessionID string) string { return fmt.Sprintf("sess:%s:seq", sessionID) }

func snapKey(sessionID string, seq int64, field string) string {
	return fmt.Sprintf("sess:%s:%d:%s", sessionID, seq, field)
}

func providerKey(sessionID string) string { return fmt.Sprintf("sess:%s:provider", sessionID) }

// NextSequence atomically increments the session's request sequence. The
// counter expires with the rest of the session state, so sequences restart
// at 1 for a session idle past the TTL.
func (s *SessionStore) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, seqKey(sessionID))
	pipe.Expire(ctx, seqKey(sessionID), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("next sequence %s: %w", sessionID, err)
	}
	return incr.Val(), nil
}

// SaveSnapshots writes the given snapshot fields for one request in a single
// round trip.
func (s *SessionStore) SaveSnapshots(ctx context.Context, sessionID string, seq int64, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	for field, value := range fields {
		pipe.Set(ctx, snapKey(sessionID, seq, field), value, SessionTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save snapshots %s:%d: %w", sessionID, seq, err)
	}
	return nil
}

// SaveSnapshot writes one snapshot field.
func (s *SessionStore) SaveSnapshot(ctx context.Context, sessionID string, seq int64, field string, value []byte) error {
	if err := s.rdb.Set(ctx, snapKey(sessionID, seq, field), value, SessionTTL).Err(); err != nil {
		return fmt.Errorf("save snapshot %s:%d:%s: %w", sessionID, seq, field, err)
	}
	return nil
}

// Snapshot reads one snapshot field back; missing fields return nil.
func (s *SessionStore) Snapshot(ctx context.Context, sessionID string, seq int64, field string) ([]byte, error) {
	raw, err := s.rdb.Get(ctx, snapKey(sessionID, seq, field)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s:%d:%s: %w", sessionID, seq, field, err)
	}
	return raw, nil
}

// BindProvider records the provider serving this session so continuations
// prefer it. The binding refreshes on every successful request.
func (s *SessionStore) BindProvider(ctx context.Context, sessionID, providerID string) error {
	if err := s.rdb.Set(ctx, providerKey(sessionID), providerID, SessionTTL).Err(); err != nil {
		return fmt.Errorf("bind provider %s: %w", sessionID, err)
	}
	return nil
}

// BoundProvider returns the session's provider binding, or "" when none.
func (s *SessionStore) BoundProvider(ctx context.Context, sessionID string) (string, error) {
	raw, err := s.rdb.Get(ctx, providerKey(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("bound provider %s: %w", sessionID, err)
	}
	return raw, nil
}

// UnbindProvider drops the affinity binding, typically after the bound
// provider failed and another one served the request.
func (s *SessionStore) UnbindProvider(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, providerKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("unbind provider %s: %w", sessionID, err)
	}
	return nil
}
