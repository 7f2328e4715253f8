// Package apperr defines the error taxonomy shared by the services and the
// HTTP layer. Services wrap one of the sentinels with %w and a short message;
// transports classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrInvalidInput               = errors.New("invalid input")
	ErrDuplicateEmail             = errors.New("email already exists")
	ErrInvalidCredentials         = errors.New("invalid credentials")
	ErrUnauthenticated            = errors.New("unauthenticated")
	ErrInvalidToken               = errors.New("invalid token")
	ErrTokenExpired               = errors.New("token expired")
	ErrProviderVerificationFailed = errors.New("provider verification failed")
	ErrForbidden                  = errors.New("forbidden")
	ErrNotFound                   = errors.New("not found")
	ErrRateLimited                = errors.New("too many requests")
	ErrStoreUnavailable           = errors.New("store unavailable")
)

// Invalid wraps ErrInvalidInput with a client-facing reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Store wraps a driver error as ErrStoreUnavailable.
func Store(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// HTTPStatus maps an error to the status code returned to clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrProviderVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a short label for the error category, used in logs and
// metrics.
func Kind(err error) string {
	for _, e := range []struct {
		sentinel error
		kind     string
	}{
		{ErrInvalidInput, "invalid_input"},
		{ErrDuplicateEmail, "duplicate_email"},
		{ErrInvalidCredentials, "invalid_credentials"},
		{ErrUnauthenticated, "unauthenticated"},
		{ErrInvalidToken, "invalid_token"},
		{ErrTokenExpired, "token_expired"},
		{ErrProviderVerificationFailed, "provider_verification_failed"},
		{ErrForbidden, "forbidden"},
		{ErrNotFound, "not_found"},
		{ErrRateLimited, "rate_limited"},
		{ErrStoreUnavailable, "store_unavailable"},
	} {
		if errors.Is(err, e.sentinel) {
			return e.kind
		}
	}
	return "internal"
}

// Message returns the text sent to clients. Store and internal failures are
// reduced to their category so driver details never leave the process.
func Message(err error) string {
	switch HTTPStatus(err) {
	case http.StatusServiceUnavailable:
		return ErrStoreUnavailable.Error()
	case http.StatusInternalServerError:
		return "internal error"
	}
	return err.Error()
}

// FromStatus rebuilds a taxonomy error from an HTTP response, used by the
// client package. msg is the server's "error" field.
func FromStatus(status int, msg string) error {
	var base error
	switch status {
	case http.StatusBadRequest:
		base = ErrInvalidInput
	case http.StatusConflict:
		base = ErrDuplicateEmail
	case http.StatusUnauthorized:
		base = unauthorizedFromMessage(msg)
	case http.StatusForbidden:
		base = ErrForbidden
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusTooManyRequests:
		base = ErrRateLimited
	case http.StatusServiceUnavailable:
		base = ErrStoreUnavailable
	default:
		return fmt.Errorf("unexpected status %d: %s", status, msg)
	}
	if msg == "" || msg == base.Error() {
		return base
	}
	if strings.HasPrefix(msg, base.Error()+": ") {
		return fmt.Errorf("%w: %s", base, strings.TrimPrefix(msg, base.Error()+": "))
	}
	return fmt.Errorf("%w: %s", base, msg)
}

func unauthorizedFromMessage(msg string) error {
	for _, e := range []error{ErrTokenExpired, ErrInvalidToken, ErrInvalidCredentials, ErrProviderVerificationFailed} {
		if strings.HasPrefix(msg, e.Error()) {
			return e
		}
	}
	return ErrUnauthenticated
}
