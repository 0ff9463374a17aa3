package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// ClassifyStatus maps a non-2xx HTTP status onto a typed ProviderError.
// body is inspected for quota markers that some providers send with 429.
func ClassifyStatus(provider string, status int, message, body string) *ProviderError {
	if message == "" {
		message = http.StatusText(status)
	}
	lower := strings.ToLower(body + " " + message)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewProviderError(provider, CodeAuth, message, status, false, nil)
	case status == http.StatusPaymentRequired:
		return NewProviderError(provider, CodeQuotaExceeded, message, status, false, nil)
	case status == http.StatusTooManyRequests:
		if strings.Contains(lower, "insufficient_quota") || strings.Contains(lower, "quota exceeded") {
			return NewProviderError(provider, CodeQuotaExceeded, message, status, false, nil)
		}
		return NewProviderError(provider, CodeRateLimited, message, status, true, nil)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return NewProviderError(provider, CodeTimeout, message, status, true, nil)
	case status >= 500:
		return NewProviderError(provider, CodeNetwork, message, status, true, nil)
	default:
		return NewProviderError(provider, CodeBadRequest, message, status, false, nil)
	}
}

// ClassifyTransportError maps a failed round trip onto a typed ProviderError
func ClassifyTransportError(provider string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr
	}
	if errors.Is(err, context.Canceled) {
		return NewProviderError(provider, CodeNetwork, "request cancelled", 0, false, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(provider, CodeTimeout, "request timed out", 0, true, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewProviderError(provider, CodeTimeout, "request timed out", 0, true, err)
	}
	return NewProviderError(provider, CodeNetwork, "request failed", 0, true, err)
}

// InvalidResponse builds the non-retryable malformed-payload error
func InvalidResponse(provider, message string, status int, cause error) *ProviderError {
	return NewProviderError(provider, CodeInvalidResponse, message, status, false, cause)
}

// Unavailable builds the error returned when credentials are missing
func Unavailable(provider string) *ProviderError {
	return NewProviderError(provider, CodeUnavailable, "provider credentials not configured", 0, false, nil)
}

// Unsupported builds the error returned for a capability the provider lacks
func Unsupported(provider string, c Capability) *ProviderError {
	return NewProviderError(provider, CodeUnsupported, "capability "+string(c)+" not supported", 0, false, nil)
}
