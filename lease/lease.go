// Package lease defines the liveness lease held by the active writer of a
// streaming session. A lease is a TTL-bound record proving that some process
// is still producing output for a session; when the writer dies without
// cleaning up, the lease expires on its own and the session is considered
// abandoned.
package lease

import (
	"context"
	"time"
)

// Store is the minimal contract for a lease backend.
//
// Implementations must make AcquireOrRefresh and Release idempotent: refreshing
// a live lease extends its expiry rather than failing, and releasing an absent
// lease succeeds. A true result from IsLive is advisory only; the lease may
// expire immediately after the call returns and callers must tolerate the race.
//
// The owner token fences release against generation handover: a winding-down
// generation releasing with its own token cannot delete a lease that a
// successor has already re-acquired under a different token.
type Store interface {
	// AcquireOrRefresh creates the lease for sessionID or, if it already
	// exists, extends its expiry to now+ttl and records owner as the current
	// holder. It never fails because the lease is already held for the same
	// session.
	AcquireOrRefresh(ctx context.Context, sessionID, owner string, ttl time.Duration) error

	// IsLive reports whether a live (unexpired) lease exists for sessionID.
	IsLive(ctx context.Context, sessionID string) (bool, error)

	// Release removes the lease for sessionID when owner matches the recorded
	// holder. An empty owner releases unconditionally (forced cancellation).
	// Releasing an absent or differently-owned lease is a success, not an
	// error.
	Release(ctx context.Context, sessionID, owner string) error
}

// Key returns the storage key for a session's lease. Backends that namespace
// keys (e.g. Redis) use this layout so that operators can inspect state with
// standard tooling.
func Key(sessionID string) string {
	return "session:" + sessionID + ":lease"
}
