// Package store holds the persistence layer: SQL repositories for tenants,
// providers, and request rows (the schema itself is managed externally), the
// Redis-backed session store for sequence numbers and live-debugging
// snapshots, and the asynchronous recorder that batches request-row writes
// off the hot path.
package store

import (
	"strings"
	"time"

	"github.com/routegate/routegate/internal/ratelimit"
)

// User is a tenant account. Keys belong to users; the user-level limits cap
// the sum of all its keys.
type User struct {
	ID        string
	Name      string
	Enabled   bool
	ExpiresAt *time.Time

	// ProviderGroup is the comma-separated tag expression routing this
	// user's traffic; a key-level group overrides it.
	ProviderGroup string

	Limits ratelimit.PeriodLimits
	Reset  ratelimit.ResetConfig

	// RPM caps requests per minute. Nil means uncapped.
	RPM *int64

	// AllowedClients are substring patterns matched against the caller's
	// user agent; empty allows any client.
	AllowedClients []string

	// AllowedModels restricts which model names the user may request; empty
	// allows any.
	AllowedModels []string
}

// Expired reports whether the account's expiry has passed.
func (u *User) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && now.After(*u.ExpiresAt)
}

// AllowsModel applies the user's model allow-list: exact, case-insensitive.
func (u *User) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, allowed := range u.AllowedModels {
		if strings.EqualFold(allowed, model) {
			return true
		}
	}
	return false
}

// Key is one API credential. Hash is the stable identifier stored in SQL and
// used as the per-key cost-aggregation id; the raw secret never persists.
type Key struct {
	Hash    string
	UserID  string
	Name    string
	Enabled bool

	// ProviderGroup overrides the user's group when non-empty.
	ProviderGroup string

	Limits ratelimit.PeriodLimits
	Reset  ratelimit.ResetConfig

	// ConcurrentSessions caps the key's simultaneously active sessions.
	// Nil means uncapped.
	ConcurrentSessions *int64
}

// EffectiveGroup resolves the provider-group expression for this key/user
// pair: key setting over user setting over "default".
func (k *Key) EffectiveGroup(u *User) string {
	if k != nil && strings.TrimSpace(k.ProviderGroup) != "" {
		return k.ProviderGroup
	}
	if u != nil && strings.TrimSpace(u.ProviderGroup) != "" {
		return u.ProviderGroup
	}
	return "default"
}

// BlockedBy values for rows answered locally without an upstream attempt.
const (
	BlockedByWarmup    = "warmup"
	BlockedByProbe     = "probe"
	BlockedBySensitive = "sensitive_word"
)

// MessageRequest is the persisted per-request row. It is inserted by the
// message-context guard and updated in place when the request finishes.
type MessageRequest struct {
	ID        string
	CreatedAt time.Time

	UserID    string
	KeyHash   string
	SessionID string
	Sequence  int64

	Format   string
	Endpoint string
	ClientUA string

	// OriginalModel is the requested model before any redirect; write-once.
	OriginalModel string
	Model         string
	FinalModel    string

	// ProviderID is nil for rows answered locally; BlockedBy then explains
	// why (warmup, probe, sensitive_word).
	ProviderID *string
	BlockedBy  *string

	StatusCode int
	DurationMs int64
	TTFBMs     int64

	InputTokens           int64
	OutputTokens          int64
	CacheCreation5mTokens int64
	CacheCreation1hTokens int64
	CacheReadTokens       int64

	Cost float64

	// Context1M marks requests served with the 1M-token context beta.
	Context1M bool

	// ProviderChain is the JSON-encoded decision chain.
	ProviderChain []byte

	ErrorMessage string
	ErrorCause   string

	// SpecialSettings is a JSON bag of per-request oddities (cache TTL
	// overrides, disguise flags) for later inspection.
	SpecialSettings []byte
}
