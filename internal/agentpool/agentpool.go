// Package agentpool caches upstream HTTP clients keyed by endpoint origin,
// proxy, and protocol. Dispatcher construction is coalesced so a burst of
// requests to a new provider builds one transport, and unhealthy dispatchers
// can be evicted so the next request gets a fresh connection.
package agentpool

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/maypok86/otter/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/sync/singleflight"

	"github.com/routegate/routegate/internal/util"
)

const (
	defaultMaxAgents      = 100
	defaultTTL            = 5 * time.Minute
	defaultConnectTimeout = 30 * time.Second
)

// Options tunes the pool.
type Options struct {
	// MaxAgents caps the number of cached dispatchers.
	MaxAgents int
	// TTL evicts dispatchers unused for this long.
	TTL time.Duration
	// ConnectTimeout is the default dial timeout; a Spec may override it.
	ConnectTimeout time.Duration
}

// Spec describes the dispatcher a provider needs.
type Spec struct {
	// Endpoint is the upstream base URL; only its origin keys the cache.
	Endpoint string
	// Proxy is an optional outbound proxy URL.
	Proxy string
	// HTTP2 requests an HTTP/2 transport. SOCKS proxies force HTTP/1.1
	// regardless.
	HTTP2 bool
	// ConnectTimeout overrides the pool default when positive.
	ConnectTimeout time.Duration
}

// Pool is the process-global dispatcher cache.
type Pool struct {
	cache *otter.Cache[string, *http.Client]
	group singleflight.Group
	opts  Options
}

// New builds the pool.
func New(opts Options) (*Pool, error) {
	if opts.MaxAgents <= 0 {
		opts.MaxAgents = defaultMaxAgents
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	cache, err := otter.New[string, *http.Client](&otter.Options[string, *http.Client]{
		MaximumSize:      opts.MaxAgents,
		ExpiryCalculator: otter.ExpiryAccessing[string, *http.Client](opts.TTL),
		OnDeletion: func(e otter.DeletionEvent[string, *http.Client]) {
			e.Value.CloseIdleConnections()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create agent pool: %w", err)
	}
	return &Pool{cache: cache, opts: opts}, nil
}

// Client returns the cached dispatcher for the spec, building it once under
// coalescing when absent.
func (p *Pool) Client(spec Spec) (*http.Client, error) {
	key := p.key(spec)
	if client, ok := p.cache.GetIfPresent(key); ok {
		return client, nil
	}
	built, err, _ := p.group.Do(key, func() (interface{}, error) {
		if client, ok := p.cache.GetIfPresent(key); ok {
			return client, nil
		}
		client, errBuild := p.build(spec)
		if errBuild != nil {
			return nil, errBuild
		}
		p.cache.Set(key, client)
		log.Debugf("agentpool: built dispatcher %s", key)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return built.(*http.Client), nil
}

// MarkUnhealthy evicts the spec's dispatcher and closes its idle
// connections; the next request rebuilds it from scratch.
func (p *Pool) MarkUnhealthy(spec Spec) {
	key := p.key(spec)
	if client, ok := p.cache.GetIfPresent(key); ok {
		client.CloseIdleConnections()
	}
	p.cache.Invalidate(key)
	log.Debugf("agentpool: evicted dispatcher %s", key)
}

// Size reports the number of live dispatchers.
func (p *Pool) Size() int {
	return p.cache.EstimatedSize()
}

// key builds "{endpointOrigin}|{proxyOrigin|direct}|{h2|h1}".
func (p *Pool) key(spec Spec) string {
	endpoint := origin(spec.Endpoint)
	proxyPart := "direct"
	if spec.Proxy != "" {
		proxyPart = origin(spec.Proxy)
	}
	proto := "h1"
	if spec.HTTP2 && !isSOCKS(spec.Proxy) {
		proto = "h2"
	}
	timeoutPart := ""
	if spec.ConnectTimeout > 0 && spec.ConnectTimeout != p.opts.ConnectTimeout {
		timeoutPart = fmt.Sprintf("|ct%d", spec.ConnectTimeout.Milliseconds())
	}
	return endpoint + "|" + proxyPart + "|" + proto + timeoutPart
}

// origin reduces a URL to scheme://host, falling back to the raw string on
// parse failure so distinct configs never collide.
func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

func isSOCKS(proxyRaw string) bool {
	u, err := url.Parse(proxyRaw)
	if err != nil {
		return false
	}
	return u.Scheme == "socks5" || u.Scheme == "socks5h"
}

// build constructs the transport for the spec.
func (p *Pool) build(spec Spec) (*http.Client, error) {
	connectTimeout := spec.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = p.opts.ConnectTimeout
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	socks, err := util.ApplyProxy(transport, spec.Proxy)
	if err != nil {
		return nil, fmt.Errorf("configure proxy: %w", err)
	}
	if spec.HTTP2 && !socks {
		transport.ForceAttemptHTTP2 = true
		// ALPN still falls back to HTTP/1.1 when the peer cannot negotiate h2.
		if err = http2.ConfigureTransport(transport); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}
	// Timeouts are enforced per request by the forwarder; the client itself
	// must not cut off long streams.
	return &http.Client{Transport: transport}, nil
}
