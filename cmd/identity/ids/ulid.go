// Package ids provides client-side identifiers for records created before the server has seen them.
package ids

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// LocalPrefix marks IDs minted on the client (never assigned by the API).
const LocalPrefix = "local-"

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a new ULID string (26 chars).
// IDs minted in the same millisecond stay ordered.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewLocalID returns a ULID tagged with LocalPrefix.
func NewLocalID(now time.Time) (string, error) {
	id, err := NewULID(now)
	if err != nil {
		return "", err
	}
	return LocalPrefix + id, nil
}

// IsLocal reports whether id was minted by NewLocalID.
func IsLocal(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}
