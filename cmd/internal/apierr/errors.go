package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// maxExcerpt bounds the raw body excerpt carried by a Failure.
const maxExcerpt = 512

// Failure is a classified operation failure.
// Kind MUST be one of the sentinel kinds. Message is human readable and never contains tokens.
type Failure struct {
	Op      string
	Kind    error
	URL     string
	Method  string
	Status  int
	Message string
	Excerpt string
	Cause   error

	// RequiresLogin is set when the session could not be recovered and the user must sign in again.
	RequiresLogin bool
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(f.Op)
	b.WriteString(": ")
	b.WriteString(kindString(f.Kind))
	if f.Method != "" || f.URL != "" {
		fmt.Fprintf(&b, " (%s %s", f.Method, f.URL)
		if f.Status != 0 {
			fmt.Fprintf(&b, " -> %d", f.Status)
		}
		b.WriteByte(')')
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Cause != nil {
		b.WriteString(": ")
		b.WriteString(f.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (f *Failure) Unwrap() []error {
	out := make([]error, 0, 2)
	if f.Kind != nil {
		out = append(out, f.Kind)
	}
	if f.Cause != nil {
		out = append(out, f.Cause)
	}
	return out
}

func kindString(k error) string {
	if k == nil {
		return ErrUnknown.Error()
	}
	return k.Error()
}

// New builds a Failure without transport context.
func New(op string, kind error, msg string) *Failure {
	return &Failure{Op: op, Kind: kind, Message: msg}
}

// Wrap builds a Failure around a cause.
func Wrap(op string, kind error, cause error) *Failure {
	return &Failure{Op: op, Kind: kind, Cause: cause}
}

// Validation is shorthand for a client-side precondition failure.
func Validation(op, msg string) *Failure {
	return New(op, ErrValidation, msg)
}

// KindForStatus maps an HTTP status to a failure kind.
func KindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status == http.StatusForbidden:
		return ErrAuthDenied
	case status == http.StatusNotFound:
		return ErrNotFound
	default:
		return ErrUnknown
	}
}

// Excerpt trims a raw body to a loggable excerpt.
func Excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxExcerpt {
		return s
	}
	return s[:maxExcerpt] + "...(truncated)"
}

// KindOf returns the sentinel kind carried by err, or nil when err is nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range allKinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrUnknown
}

// AsFailure extracts the *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// RequiresLogin reports whether err signals that the session is gone.
func RequiresLogin(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.RequiresLogin
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsNetwork reports whether err represents ErrNetwork.
func IsNetwork(err error) bool { return errors.Is(err, ErrNetwork) }

// IsAuthExpired reports whether err represents ErrAuthExpired.
func IsAuthExpired(err error) bool { return errors.Is(err, ErrAuthExpired) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
