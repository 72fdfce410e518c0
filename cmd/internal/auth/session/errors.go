package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSession is returned when an operation needs a session and none is held.
	ErrNoSession = errors.New("no session")

	// ErrCredentialsRejected marks a 401/403 from the refresh or validate endpoint.
	// Refreshers and validators wrap it; the manager treats it as terminal.
	ErrCredentialsRejected = errors.New("credentials rejected")

	// ErrBudgetExhausted is returned when the refresh ceiling was reached and
	// the session was torn down without a network call.
	ErrBudgetExhausted = errors.New("refresh budget exhausted")

	// ErrSuperseded is returned when the session changed while a refresh was in flight.
	ErrSuperseded = errors.New("session superseded during refresh")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// RefreshError carries the attempt number of a failed, non-terminal refresh.
type RefreshError struct {
	Attempt int
	Ceiling int
	Err     error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh attempt %d/%d: %v", e.Attempt, e.Ceiling, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }
