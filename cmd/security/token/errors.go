package token

import "errors"

// Public, stable errors for callers.
var (
	ErrSealKeyMissing  = errors.New("seal key missing")
	ErrSealKeyTooShort = errors.New("seal key too short")
	ErrSealedCorrupt   = errors.New("sealed value corrupt")
)
