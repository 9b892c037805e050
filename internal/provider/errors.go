package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrAuth indicates the provider rejected our credentials outright (revoked or
// expired grant). Terminal: the user must reconnect; callers never retry.
var ErrAuth = errors.New("provider authorization rejected")

// ErrTransient indicates a connectivity failure, timeout, or provider-side
// error that is safe to retry with backoff.
var ErrTransient = errors.New("transient provider error")

// ErrSyncTokenInvalid indicates the provider rejected the incremental cursor
// (HTTP 410). Recoverable: the caller falls back to a full sync.
var ErrSyncTokenInvalid = errors.New("sync token invalidated by provider")

// ErrNotFound indicates the remote resource no longer exists.
var ErrNotFound = errors.New("remote resource not found")

// HTTPError carries the raw status for diagnostics; callers match on the
// wrapped sentinel, not the status code.
type HTTPError struct {
	StatusCode int
	Operation  string
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s: http %d: %s", e.Operation, e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return ErrAuth
	case e.StatusCode == http.StatusGone:
		return ErrSyncTokenInvalid
	case e.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return ErrTransient
	}
	return nil
}

// classifyTransportError maps connection-level failures onto the taxonomy.
// Timeouts and cancellations are transient, never auth failures.
func classifyTransportError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("provider %s: %w: %v", operation, ErrTransient, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("provider %s: %w: %v", operation, ErrTransient, err)
	}
	return fmt.Errorf("provider %s: %w", operation, err)
}
