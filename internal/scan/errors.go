package scan

import (
	"errors"
	"fmt"
)

// ErrAborted is returned when a scan is cancelled at a message boundary.
// The cursor is left where it was.
var ErrAborted = errors.New("scan aborted")

// BatchError reports a scan that failed after some messages were already
// committed. Those messages are durable and safe to process again.
type BatchError struct {
	Succeeded int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("scan failed after %d messages: %v", e.Succeeded, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
