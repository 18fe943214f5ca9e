package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ProviderError is a failed call to a model backend.
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	Retryable  bool
	StatusCode int
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// newError classifies err. Rate limits, server errors and network failures
// are retryable; everything else is not.
func newError(provider string, status int, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	e := &ProviderError{Provider: provider, StatusCode: status, Message: err.Error(), Cause: err}

	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.Code = "canceled"
	case status == http.StatusTooManyRequests:
		e.Code, e.Retryable = "rate_limited", true
	case status >= 500:
		e.Code, e.Retryable = "server_error", true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Code = "unauthorized"
	case status >= 400:
		e.Code = "bad_request"
	case errors.As(err, &netErr):
		e.Code, e.Retryable = "network", true
	default:
		e.Code, e.Retryable = "unavailable", true
	}
	return e
}
