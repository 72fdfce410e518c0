// Package token seals cached credentials before they reach a persistent store.
//
// A passphrase (CLUBHUB_STORE_SEAL_KEY) is stretched with argon2id and used
// as a chacha20poly1305 (XChaCha variant) key. Sealed values are
// base64url("v1" || salt || nonce || ciphertext) so a store can keep them
// as plain strings.
//
// Without a passphrase the file store keeps values in clear; policy
// enforcement (requiring a key) lives in the app config validation.
package token
