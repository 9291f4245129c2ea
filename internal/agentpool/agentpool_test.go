package agentpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T) *Pool {
	t.Helper()
	p, err := New(Options{MaxAgents: 10, TTL: time.Minute, ConnectTimeout: 5 * time.Second})
	require.NoError(t, err)
	return p
}

func TestClientReusedForSameSpec(t *testing.T) {
	t.Parallel()
	p := newPool(t)

	spec := Spec{Endpoint: "https://api.anthropic.com/v1/messages", HTTP2: true}
	a, err := p.Client(spec)
	require.NoError(t, err)
	b, err := p.Client(spec)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, p.Size())
}

func TestKeyIsolatesProxyAndProtocol(t *testing.T) {
	t.Parallel()
	p := newPool(t)

	direct := Spec{Endpoint: "https://api.example.com/v1", HTTP2: true}
	proxied := Spec{Endpoint: "https://api.example.com/v1", Proxy: "http://127.0.0.1:8080", HTTP2: true}
	h1 := Spec{Endpoint: "https://api.example.com/v1", HTTP2: false}

	require.Equal(t, "https://api.example.com|direct|h2", p.key(direct))
	require.Equal(t, "https://api.example.com|http://127.0.0.1:8080|h2", p.key(proxied))
	require.Equal(t, "https://api.example.com|direct|h1", p.key(h1))

	// Paths do not fragment the cache; origins do.
	other := Spec{Endpoint: "https://api.example.com/v2/other", HTTP2: true}
	require.Equal(t, p.key(direct), p.key(other))
}

func TestSOCKSForcesHTTP1(t *testing.T) {
	t.Parallel()
	p := newPool(t)

	spec := Spec{Endpoint: "https://api.example.com", Proxy: "socks5://127.0.0.1:1080", HTTP2: true}
	require.Equal(t, "https://api.example.com|socks5://127.0.0.1:1080|h1", p.key(spec))

	client, err := p.Client(spec)
	require.NoError(t, err)
	require.NotNil(t, client)
}

func TestConnectTimeoutOverrideGetsOwnDispatcher(t *testing.T) {
	t.Parallel()
	p := newPool(t)

	std := Spec{Endpoint: "https://api.example.com"}
	slow := Spec{Endpoint: "https://api.example.com", ConnectTimeout: 90 * time.Second}
	require.NotEqual(t, p.key(std), p.key(slow))

	a, err := p.Client(std)
	require.NoError(t, err)
	b, err := p.Client(slow)
	require.NoError(t, err)
	require.NotSame(t, a, b)
}

func TestMarkUnhealthyEvicts(t *testing.T) {
	t.Parallel()
	p := newPool(t)

	spec := Spec{Endpoint: "https://api.example.com"}
	a, err := p.Client(spec)
	require.NoError(t, err)

	p.MarkUnhealthy(spec)
	b, err := p.Client(spec)
	require.NoError(t, err)
	require.NotSame(t, a, b)
}

func TestConcurrentBuildCoalesces(t *testing.T) {
	t.Parallel()
	p := newPool(t)
	spec := Spec{Endpoint: "https://api.example.com", HTTP2: true}

	const workers = 16
	clients := make([]interface{}, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = p.Client(spec)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Same(t, clients[0], clients[i])
	}
	require.Equal(t, 1, p.Size())
}

func TestRejectsUnsupportedProxyScheme(t *testing.T) {
	t.Parallel()
	p := newPool(t)

	_, err := p.Client(Spec{Endpoint: "https://api.example.com", Proxy: "ftp://127.0.0.1:21"})
	require.Error(t, err)
}
