package app

import (
	"errors"
	"fmt"
	"log/slog"

	"clubhub/cmd/security/token"
)

// newSealer builds the at-rest sealer for cached credentials.
// An empty key disables sealing; a weak key is a startup failure.
func newSealer(key string, log *slog.Logger) (*token.Sealer, error) {
	if key == "" {
		log.Warn("store.seal.disabled", "hint", "set CLUBHUB_SEAL_KEY to encrypt cached tokens")
		return nil, nil
	}
	s, err := token.NewSealer(key)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, token.ErrSealKeyTooShort):
		return nil, fmt.Errorf("%w: store.seal_key is too short (min %d bytes)", ErrConfig, token.MinKeyBytes)
	default:
		return nil, fmt.Errorf("%w: store.seal_key: %v", ErrConfig, err)
	}
}
