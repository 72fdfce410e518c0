// Package fallback implements the client's persistent key-value store.
//
// It holds the serialized session projection, the cached notification
// list and locally queued membership requests. Readers must tolerate
// missing or stale keys: every typed accessor takes a default.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
)

// Persisted keys.
const (
	KeySessionToken    = "session-token"
	KeyRefreshToken    = "refresh-token"
	KeyUserProfile     = "current-user-profile"
	KeyNotifications   = "notifications-list"
	KeyPendingRequests = "pending-membership-requests"
)

// SessionKeys are the entries removed on teardown.
var SessionKeys = []string{KeySessionToken, KeyRefreshToken, KeyUserProfile}

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("fallback: key not found")
	// ErrInvalidInput is returned for empty keys or nil stores.
	ErrInvalidInput = errors.New("fallback: invalid input")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("fallback: store closed")
)

// UpdateFunc receives the current value (found=false when absent) and returns
// the new value. Returning nil deletes the key.
type UpdateFunc func(old []byte, found bool) ([]byte, error)

// Store is the persistence boundary for client-side state.
//
// Implementations must be safe for concurrent use, and Update must be atomic
// with respect to other writers of the same key.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Ping(ctx context.Context) error
	Close() error
}

// LoadJSON decodes key into dst. A missing or undecodable value leaves dst
// untouched and reports found=false; only store failures are returned.
func LoadJSON(ctx context.Context, st Store, key string, dst any) (bool, error) {
	if st == nil {
		return false, ErrInvalidInput
	}
	raw, err := st.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, nil
	}
	return true, nil
}

// SaveJSON encodes v under key.
func SaveJSON(ctx context.Context, st Store, key string, v any) error {
	if st == nil {
		return ErrInvalidInput
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return st.Put(ctx, key, raw)
}

// UpdateJSON runs a typed read-modify-write on a JSON list or object.
// A missing or corrupt value is presented to fn as the zero T.
func UpdateJSON[T any](ctx context.Context, st Store, key string, fn func(cur T) (T, error)) error {
	if st == nil {
		return ErrInvalidInput
	}
	return st.Update(ctx, key, func(old []byte, found bool) ([]byte, error) {
		var cur T
		if found && len(old) > 0 {
			if err := json.Unmarshal(old, &cur); err != nil {
				var zero T
				cur = zero
			}
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	})
}

func validKey(key string) bool {
	return key != "" && len(key) <= 256
}
