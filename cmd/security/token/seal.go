package token

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion = "v1"
	saltBytes   = 16

	// MinKeyBytes is the minimum passphrase length accepted by NewSealer.
	MinKeyBytes = 16

	argonTime    = 1
	argonMemory  = 32 * 1024
	argonThreads = 2
)

// Sealer encrypts and authenticates small values (tokens, profiles).
type Sealer struct {
	passphrase []byte
}

// NewSealer builds a Sealer from a passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	p := strings.TrimSpace(passphrase)
	if p == "" {
		return nil, ErrSealKeyMissing
	}
	if len(p) < MinKeyBytes {
		return nil, ErrSealKeyTooShort
	}
	return &Sealer{passphrase: []byte(p)}, nil
}

func (s *Sealer) key(salt []byte) []byte {
	return argon2.IDKey(s.passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
}

// Seal encrypts plain and returns a printable sealed string.
func (s *Sealer) Seal(plain []byte) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	out := make([]byte, 0, len(sealVersion)+len(salt)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealVersion...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, []byte(sealVersion))

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Tampered or truncated input yields ErrSealedCorrupt.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, ErrSealedCorrupt
	}
	head := len(sealVersion) + saltBytes + chacha20poly1305.NonceSizeX
	if len(raw) < head+chacha20poly1305.Overhead || string(raw[:len(sealVersion)]) != sealVersion {
		return nil, ErrSealedCorrupt
	}

	salt := raw[len(sealVersion) : len(sealVersion)+saltBytes]
	nonce := raw[len(sealVersion)+saltBytes : head]

	aead, err := chacha20poly1305.NewX(s.key(salt))
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, raw[head:], []byte(sealVersion))
	if err != nil {
		return nil, ErrSealedCorrupt
	}
	return plain, nil
}
