package firewalla

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel causes carried inside a [TransportError].
var (
	// ErrUnauthorized means the API rejected the token (401 or 403).
	ErrUnauthorized = errors.New("firewalla: unauthorized")
	// ErrNotFound means the endpoint does not exist for this account.
	ErrNotFound = errors.New("firewalla: not found")
)

// TransportError describes a failed collection fetch: a network error,
// a non-2xx status, or an undecodable body. It is the only error kind
// the refresh loop downgrades to "empty for this tick".
type TransportError struct {
	Collection string // "devices", "boxes", ... or "" for Ping/Authenticate
	StatusCode int    // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	what := e.Collection
	if what == "" {
		what = "request"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("firewalla %s: status %d: %v", what, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("firewalla %s: %v", what, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is, or wraps, a [TransportError].
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// statusError maps an HTTP status to a TransportError, folding auth and
// not-found responses onto the package sentinels.
func statusError(collection string, code int, body string) *TransportError {
	var cause error
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		cause = fmt.Errorf("%w: %s", ErrUnauthorized, body)
	case http.StatusNotFound:
		cause = fmt.Errorf("%w: %s", ErrNotFound, body)
	default:
		cause = fmt.Errorf("unexpected response: %s", body)
	}
	return &TransportError{Collection: collection, StatusCode: code, Err: cause}
}
