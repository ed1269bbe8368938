package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel classes for provider failures. Both are fatal to the request
// that hit them; match with errors.Is.
var (
	ErrProviderNetwork = errors.New("provider network error")
	ErrProviderAuth    = errors.New("provider auth error")
)

// ProviderError is a failed provider call. Kind is one of the sentinel
// classes above.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Kind       error
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %v: %s", e.Provider, e.Kind, e.Message)
}

// Is matches the error's class sentinel.
func (e *ProviderError) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the underlying transport error, if any.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether the backend rejected the call with 429.
func (e *ProviderError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// statusError classifies an HTTP error response.
func statusError(provider string, status int, body string) *ProviderError {
	kind := ErrProviderNetwork
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = ErrProviderAuth
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Message:    body,
		Kind:       kind,
	}
}

// transportError wraps a failure that happened before a response
// arrived. Context cancellation is passed through untouched so callers
// can tell a client disconnect from a broken backend.
func transportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		msg = opErr.Op + " " + opErr.Err.Error()
	}
	return &ProviderError{
		Provider: provider,
		Message:  msg,
		Kind:     ErrProviderNetwork,
		Err:      err,
	}
}
