// Package apierr defines the failure taxonomy shared by the client core.
//
// Every public operation of the core resolves to a value plus either nil or
// an error that wraps a *Failure, so callers branch with errors.Is on the
// sentinel kinds below instead of parsing messages.
package apierr

import "errors"

// Sentinel failure kinds (stable for errors.Is and for UI mapping).
var (
	// ErrNetwork covers unreachable hosts, timeouts and cancelled sends.
	ErrNetwork = errors.New("network_failure")
	// ErrAuthExpired is a 401 that could not be recovered by a refresh.
	ErrAuthExpired = errors.New("auth_expired")
	// ErrAuthDenied is a 403 (or a client-side role check) on a mutating call.
	ErrAuthDenied = errors.New("auth_denied")
	ErrNotFound   = errors.New("not_found")
	// ErrValidation is a client-side precondition failure raised before any network call.
	ErrValidation = errors.New("validation_failure")
	// ErrMalformed is a non-JSON (often HTML) body where JSON was expected.
	ErrMalformed = errors.New("malformed_response")
	ErrUnknown   = errors.New("unknown_failure")
)

var allKinds = []error{
	ErrNetwork,
	ErrAuthExpired,
	ErrAuthDenied,
	ErrNotFound,
	ErrValidation,
	ErrMalformed,
	ErrUnknown,
}
