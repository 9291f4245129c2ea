// Package util provides helper functions shared across the gateway: proxy
// dialers, model owner inference, and small string utilities.
package util

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// DialContextFunc matches http.Transport.DialContext.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ProxyDialContext builds a DialContext routed through the given proxy URL.
// SOCKS5 proxies return a custom dialer; HTTP and HTTPS proxies return nil
// and the caller should use http.ProxyURL on the transport instead. The
// second return reports whether the proxy is SOCKS5, which disables HTTP/2
// on the resulting transport.
func ProxyDialContext(proxyURL *url.URL) (DialContextFunc, bool, error) {
	if proxyURL == nil {
		return nil, false, nil
	}
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, false, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
		return dial, true, nil
	case "http", "https":
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
}

// ApplyProxy configures transport to route through proxyRaw. An empty string
// leaves the transport untouched. It returns whether the proxy forces
// HTTP/1.1 (SOCKS5 dialers bypass the transport's TLS-level ALPN handling).
func ApplyProxy(transport *http.Transport, proxyRaw string) (bool, error) {
	if proxyRaw == "" {
		return false, nil
	}
	proxyURL, err := url.Parse(proxyRaw)
	if err != nil {
		return false, fmt.Errorf("parse proxy url: %w", err)
	}
	dial, isSOCKS, err := ProxyDialContext(proxyURL)
	if err != nil {
		return false, err
	}
	if isSOCKS {
		transport.DialContext = dial
		return true, nil
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	return false, nil
}
