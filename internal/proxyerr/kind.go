// Package proxyerr defines the gateway's error taxonomy: classification of
// upstream and transport failures, extraction of upstream messages and
// request ids, masking of sensitive detail, and the rule engine that lets
// operators override how specific upstream errors are classified and
// returned to clients.
package proxyerr

import (
	"context"
	"errors"
	"net/http"
)

// Kind classifies a failed proxied request. Classification precedence is the
// declaration order: the first matching kind wins.
type Kind int

const (
	// KindClientAbort means the client disconnected before completion.
	KindClientAbort Kind = iota

	// KindNonRetryableClient marks upstream rejections caused by the client
	// payload itself; retrying on another provider would fail identically.
	KindNonRetryableClient

	// KindResourceNotFound is an upstream 404, usually a wrong base URL or a
	// model unknown to that endpoint. Switch provider, do not punish it.
	KindResourceNotFound

	// KindProviderError covers other upstream 4xx/5xx and empty responses.
	KindProviderError

	// KindSystemError covers network, DNS, connect, TLS, and read failures.
	KindSystemError
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindClientAbort:
		return "CLIENT_ABORT"
	case KindNonRetryableClient:
		return "NON_RETRYABLE_CLIENT_ERROR"
	case KindResourceNotFound:
		return "RESOURCE_NOT_FOUND"
	case KindProviderError:
		return "PROVIDER_ERROR"
	case KindSystemError:
		return "SYSTEM_ERROR"
	default:
		return "UNKNOWN"
	}
}

// FeedsBreaker reports whether failures of this kind count toward opening a
// provider's circuit. Only genuine provider-side failures do.
func (k Kind) FeedsBreaker() bool {
	return k == KindProviderError
}

// ClassifyStatus maps an upstream HTTP error status to a kind.
func ClassifyStatus(status int) Kind {
	if status == http.StatusNotFound {
		return KindResourceNotFound
	}
	return KindProviderError
}

// ClassifyTransport maps a transport-layer failure to a kind. Context
// cancellation is the client hanging up; everything else at this layer is a
// system fault.
func ClassifyTransport(err error) Kind {
	if errors.Is(err, context.Canceled) {
		return KindClientAbort
	}
	return KindSystemError
}
