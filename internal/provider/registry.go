package provider

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Source loads the enabled provider rows.
type Source interface {
	EnabledProviders(ctx context.Context) ([]*Provider, error)
}

// Registry caches the enabled-provider list so every request does not hit
// SQL. Reads older than the refresh interval reload lazily; config reloads
// call Invalidate to force the next read through.
type Registry struct {
	source  Source
	refresh time.Duration
	group   singleflight.Group
	now     func() time.Time

	mu       sync.RWMutex
	snapshot []*Provider
	loadedAt time.Time
}

// NewRegistry builds a registry over the given source. A non-positive
// refresh falls back to five seconds.
func NewRegistry(source Source, refresh time.Duration) *Registry {
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	return &Registry{source: source, refresh: refresh, now: time.Now}
}

// Snapshot returns the current provider list. The slice is shared and must
// be treated as immutable by callers.
func (r *Registry) Snapshot(ctx context.Context) ([]*Provider, error) {
	r.mu.RLock()
	snapshot, loadedAt := r.snapshot, r.loadedAt
	r.mu.RUnlock()
	if snapshot != nil && r.now().Sub(loadedAt) < r.refresh {
		return snapshot, nil
	}

	fresh, err, _ := r.group.Do("load", func() (interface{}, error) {
		providers, loadErr := r.source.EnabledProviders(ctx)
		if loadErr != nil {
			return nil, loadErr
		}
		r.mu.Lock()
		r.snapshot = providers
		r.loadedAt = r.now()
		r.mu.Unlock()
		log.Debugf("provider registry refreshed: %d enabled", len(providers))
		return providers, nil
	})
	if err != nil {
		// Serve the stale snapshot over failing the request outright.
		if snapshot != nil {
			log.Warnf("provider registry refresh failed, serving stale list: %v", err)
			return snapshot, nil
		}
		return nil, err
	}
	return fresh.([]*Provider), nil
}

// Invalidate drops the cached list so the next Snapshot reloads.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.snapshot = nil
	r.loadedAt = time.Time{}
	r.mu.Unlock()
}

// FindByID scans the cached snapshot for a provider id without forcing a
// refresh beyond the normal interval.
func (r *Registry) FindByID(ctx context.Context, id string) (*Provider, error) {
	providers, err := r.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range providers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}
