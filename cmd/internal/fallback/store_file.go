package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"clubhub/cmd/security/token"
)

// FileStore persists all keys in one JSON document so state survives restarts.
//
// Writes go to a temp file in the same directory and are renamed into place.
// Keys listed as sensitive are sealed when a Sealer is configured.
// The file is owned by a single process; concurrent processes are not coordinated.
type FileStore struct {
	path      string
	sealer    *token.Sealer
	sensitive map[string]struct{}

	mu     sync.Mutex
	values map[string]string
	closed bool
}

// FileOption configures FileStore.
type FileOption func(*FileStore) error

// WithSealer seals sensitive keys at rest (default: the session keys).
func WithSealer(s *token.Sealer, keys ...string) FileOption {
	return func(st *FileStore) error {
		if s == nil {
			return ErrInvalidInput
		}
		st.sealer = s
		if len(keys) == 0 {
			keys = SessionKeys
		}
		st.sensitive = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			st.sensitive[k] = struct{}{}
		}
		return nil
	}
}

// OpenFileStore loads path (creating parent directories) and returns a FileStore.
// A missing file is an empty store; a corrupt file is rejected.
func OpenFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	st := &FileStore{path: path, values: make(map[string]string)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("fallback: create dir: %w", err)
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("fallback: read %s: %w", path, err)
	}
	if len(raw) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(raw, &st.values); err != nil {
		return nil, fmt.Errorf("fallback: decode %s: %w", path, err)
	}
	if st.values == nil {
		st.values = make(map[string]string)
	}
	return st, nil
}

func (s *FileStore) isSensitive(key string) bool {
	if s.sealer == nil {
		return false
	}
	_, ok := s.sensitive[key]
	return ok
}

func (s *FileStore) encode(key string, value []byte) (string, error) {
	if s.isSensitive(key) {
		return s.sealer.Seal(value)
	}
	return string(value), nil
}

func (s *FileStore) decode(key, stored string) ([]byte, bool) {
	if !s.isSensitive(key) {
		return []byte(stored), true
	}
	plain, err := s.sealer.Open(stored)
	if err != nil {
		// Unreadable sealed entries (key rotated) behave as missing.
		return nil, false
	}
	return plain, true
}

// flushLocked writes the current map atomically. Callers hold s.mu.
func (s *FileStore) flushLocked() error {
	raw, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".clubhub-store-*")
	if err != nil {
		return fmt.Errorf("fallback: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *FileStore) guard(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(key) {
		return ErrInvalidInput
	}
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the value for key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(ctx, key); err != nil {
		return nil, err
	}
	stored, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := s.decode(key, stored)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

// Put stores value and flushes the file.
func (s *FileStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(ctx, key); err != nil {
		return err
	}
	enc, err := s.encode(key, value)
	if err != nil {
		return err
	}
	prev, had := s.values[key]
	s.values[key] = enc
	if err := s.flushLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

// Delete removes key and flushes the file.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(ctx, key); err != nil {
		return err
	}
	prev, had := s.values[key]
	if !had {
		return nil
	}
	delete(s.values, key)
	if err := s.flushLocked(); err != nil {
		s.values[key] = prev
		return err
	}
	return nil
}

// Update applies fn and flushes once.
func (s *FileStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if fn == nil {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(ctx, key); err != nil {
		return err
	}

	var old []byte
	found := false
	if stored, ok := s.values[key]; ok {
		old, found = s.decode(key, stored)
	}
	next, err := fn(old, found)
	if err != nil {
		return err
	}

	prev, had := s.values[key]
	if next == nil {
		if !had {
			return nil
		}
		delete(s.values, key)
	} else {
		enc, err := s.encode(key, next)
		if err != nil {
			return err
		}
		s.values[key] = enc
	}
	if err := s.flushLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

// Ping checks that the directory is still writable.
func (s *FileStore) Ping(_ context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

// Close marks the store closed. Data is already on disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
