package proxyerr

import "net/http"

// Client-facing error type identifiers carried in the response body's
// error.type field.
const (
	TypeAuthenticationError  = "authentication_error"
	TypeInvalidAPIKey        = "invalid_api_key"
	TypeUserDisabled         = "user_disabled"
	TypeUserExpired          = "user_expired"
	TypeInvalidRequest       = "invalid_request_error"
	TypePaymentRequired      = "payment_required_error"
	TypeRateLimit            = "rate_limit_error"
	TypeRateLimitExceeded    = "rate_limit_exceeded"
	TypeNoAvailableProviders = "no_available_providers"
	TypeAllProvidersFailed   = "all_providers_failed"
	TypeCircuitOpen          = "circuit_breaker_open"
	TypeMixedUnavailable     = "mixed_unavailable"
	TypeInternalServerError  = "internal_server_error"
	TypeBadGateway           = "bad_gateway_error"
	TypeServiceUnavailable   = "service_unavailable_error"
	TypeGatewayTimeout       = "gateway_timeout_error"
	TypeAPIError             = "api_error"
)

// TypeForStatus maps an HTTP status to the default error type identifier.
func TypeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return TypeInvalidRequest
	case http.StatusUnauthorized:
		return TypeAuthenticationError
	case http.StatusPaymentRequired:
		return TypePaymentRequired
	case http.StatusTooManyRequests:
		return TypeRateLimit
	case http.StatusInternalServerError:
		return TypeInternalServerError
	case http.StatusBadGateway:
		return TypeBadGateway
	case http.StatusServiceUnavailable:
		return TypeServiceUnavailable
	case http.StatusGatewayTimeout:
		return TypeGatewayTimeout
	default:
		return TypeAPIError
	}
}
