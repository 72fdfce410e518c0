// Package session implements the client's token lifecycle.
//
// A Manager owns the current access/refresh token pair, refreshes it through
// a single in-flight call bounded by a retry budget, and tears the session
// down exactly once when it can no longer be recovered. Collaborators observe
// teardown through Subscribe and the read-only Lifecycle view.
//
// Only the serialized projection of the session lives in the fallback store.
package session
