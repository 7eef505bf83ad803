package queue

import (
	"errors"
	"fmt"
	"time"
)

var ErrClosed = errors.New("queue closed")

// RetryAfterError asks the queue to run the job again after Delay without
// counting the attempt.
type RetryAfterError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

func RetryAfter(delay time.Duration, err error) error {
	if delay < 0 {
		delay = 0
	}
	return &RetryAfterError{Delay: delay, Err: err}
}

// PermanentError marks a failure that no further attempt can fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}
