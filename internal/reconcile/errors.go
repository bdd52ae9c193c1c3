package reconcile

import (
	"context"
	"errors"

	"github.com/mixelka/smsguard/internal/store"
)

// IsNetworkError reports whether err is a transient connectivity failure
// that should be retried with backoff
func IsNetworkError(err error) bool {
	return errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// IsPermissionError reports whether err is an authorization failure.
// These are never retried and are surfaced to the caller.
func IsPermissionError(err error) bool {
	return errors.Is(err, store.ErrPermissionDenied)
}
