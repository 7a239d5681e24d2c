package notify

import (
	"errors"
	"fmt"
)

// ErrAlreadyStarted is returned by Consumer.Start on a consumer that has
// already been started.
var ErrAlreadyStarted = errors.New("notify: consumer already started")

// ForwardError reports a queued message the hub could not broadcast. The
// message is not redelivered.
type ForwardError struct {
	Queue string
	Err   error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("notify: forward message from %q: %v", e.Queue, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }
