package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nugget/firewalla-bridge/internal/firewalla"
)

// ErrRefreshFailed reports that the core fetch failed and no snapshot
// has ever been retained, so there is nothing to serve. Callers can
// tell "never had data" apart from "serving stale data" with errors.Is.
var ErrRefreshFailed = errors.New("refresh failed")

// RefreshError carries the core fetch failure behind ErrRefreshFailed.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("%v: error communicating with API: %v", ErrRefreshFailed, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is matches ErrRefreshFailed.
func (e *RefreshError) Is(target error) bool { return target == ErrRefreshFailed }

// recoverable reports whether a fetch error may be downgraded to "empty
// for this tick". Transport failures and expiry of the per-fetch
// deadline qualify; cancellation of the refresh itself and every other
// error do not.
func recoverable(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	return firewalla.IsTransport(err) || errors.Is(err, context.DeadlineExceeded)
}
