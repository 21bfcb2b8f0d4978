package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/frame-sync/internal/httpclient"
)

// AuthError means the share could not be opened or used. It is never retried.
type AuthError struct {
	Message string
	// Code is the provider error code, 0 when not applicable
	Code int
	Err  error
}

func (e *AuthError) Error() string {
	msg := "authentication failed: " + e.Message
	if e.Code != 0 {
		msg += fmt.Sprintf(" (code %d)", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NetworkError is a transient transport or server failure
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err contains a NetworkError
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsAuthError reports whether err contains an AuthError
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// ClassifyHTTPError maps a transport error onto the source error taxonomy.
// Missing or revoked shares become AuthErrors. The error passes through untouched
// only when ctx itself is done; request timeouts are NetworkErrors.
func ClassifyHTTPError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return err
	}

	switch httpclient.StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return &AuthError{Message: op + ": share is invalid or has expired", Err: err}
	}

	if httpclient.IsRetryable(err) {
		return &NetworkError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
