// Package leasetest provides a conformance test suite for lease.Store
// implementations. Backends run the suite against a factory so that the
// idempotency, expiry and ownership semantics stay identical across memory
// and Redis.
package leasetest

import (
	"context"
	"testing"
	"time"

	"github.com/xifanezz/turnstream-go/lease"
)

// StoreFactory creates a fresh Store for a test along with an advance function
// that moves the store's clock forward. Backends on a real clock should sleep;
// backends on a virtual clock (e.g. miniredis) should fast-forward.
type StoreFactory func(t *testing.T) (s lease.Store, advance func(d time.Duration))

// RunStoreTests runs the complete lease.Store test suite against the factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("AbsentByDefault", func(t *testing.T) { testAbsentByDefault(t, factory) })
	t.Run("AcquireThenLive", func(t *testing.T) { testAcquireThenLive(t, factory) })
	t.Run("AcquireIsIdempotentRefresh", func(t *testing.T) { testAcquireIsIdempotentRefresh(t, factory) })
	t.Run("ReleaseIsIdempotent", func(t *testing.T) { testReleaseIsIdempotent(t, factory) })
	t.Run("ReleaseIsOwnerFenced", func(t *testing.T) { testReleaseIsOwnerFenced(t, factory) })
	t.Run("EmptyOwnerReleasesUnconditionally", func(t *testing.T) { testEmptyOwnerReleasesUnconditionally(t, factory) })
	t.Run("ExpiresWithoutRenewal", func(t *testing.T) { testExpiresWithoutRenewal(t, factory) })
	t.Run("RefreshExtendsExpiry", func(t *testing.T) { testRefreshExtendsExpiry(t, factory) })
	t.Run("SessionIsolation", func(t *testing.T) { testSessionIsolation(t, factory) })
}

func testAbsentByDefault(t *testing.T, factory StoreFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	live, err := s.IsLive(ctx, "nope")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if live {
		t.Fatal("expected absent lease to report not live")
	}
}

func testAcquireThenLive(t *testing.T, factory StoreFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-1", time.Minute); err != nil {
		t.Fatalf("AcquireOrRefresh: %v", err)
	}
	live, err := s.IsLive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if !live {
		t.Fatal("expected lease to be live after acquire")
	}
}

func testAcquireIsIdempotentRefresh(t *testing.T, factory StoreFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-1", time.Minute); err != nil {
			t.Fatalf("AcquireOrRefresh #%d: %v", i+1, err)
		}
	}
	live, err := s.IsLive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if !live {
		t.Fatal("expected lease live after repeated acquire")
	}
}

func testReleaseIsIdempotent(t *testing.T, factory StoreFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	// Releasing a lease that never existed succeeds.
	if err := s.Release(ctx, "sess-1", "owner-1"); err != nil {
		t.Fatalf("Release of absent lease: %v", err)
	}

	if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-1", time.Minute); err != nil {
		t.Fatalf("AcquireOrRefresh: %v", err)
	}
	if err := s.Release(ctx, "sess-1", "owner-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, "sess-1", "owner-1"); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	live, err := s.IsLive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if live {
		t.Fatal("expected lease absent after release")
	}
}

// Handover model: generation N releases after generation N+1 already
// re-acquired. The stale release must leave the successor's lease intact.
func testReleaseIsOwnerFenced(t *testing.T, factory StoreFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-1", time.Minute); err != nil {
		t.Fatalf("AcquireOrRefresh: %v", err)
	}
	if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-2", time.Minute); err != nil {
		t.Fatalf("successor AcquireOrRefresh: %v", err)
	}

	if err := s.Release(ctx, "sess-1", "owner-1"); err != nil {
		t.Fatalf("stale Release: %v", err)
	}
	live, err := s.IsLive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if !live {
		t.Fatal("stale release must not delete the successor's lease")
	}

	if err := s.Release(ctx, "sess-1", "owner-2"); err != nil {
		t.Fatalf("owner Release: %v", err)
	}
	live, err = s.IsLive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if live {
		t.Fatal("expected lease absent after the owner's release")
	}
}

func testEmptyOwnerReleasesUnconditionally(t *testing.T, factory StoreFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-1", time.Minute); err != nil {
		t.Fatalf("AcquireOrRefresh: %v", err)
	}
	if err := s.Release(ctx, "sess-1", ""); err != nil {
		t.Fatalf("forced Release: %v", err)
	}
	live, err := s.IsLive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if live {
		t.Fatal("expected forced release to delete the lease regardless of owner")
	}
}

// Crash model: the owning process dies without calling Release and the lease
// must transition to absent within one TTL window on its own.
func testExpiresWithoutRenewal(t *testing.T, factory StoreFactory) {
	s, advance := factory(t)
	ctx := context.Background()

	if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-1", 100*time.Millisecond); err != nil {
		t.Fatalf("AcquireOrRefresh: %v", err)
	}
	advance(250 * time.Millisecond)
	live, err := s.IsLive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if live {
		t.Fatal("expected lease to expire without renewal")
	}
}

func testRefreshExtendsExpiry(t *testing.T, factory StoreFactory) {
	s, advance := factory(t)
	ctx := context.Background()

	if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-1", 200*time.Millisecond); err != nil {
		t.Fatalf("AcquireOrRefresh: %v", err)
	}
	advance(120 * time.Millisecond)
	if err := s.AcquireOrRefresh(ctx, "sess-1", "owner-1", 200*time.Millisecond); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// Past the original expiry but within the refreshed window.
	advance(120 * time.Millisecond)
	live, err := s.IsLive(ctx, "sess-1")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if !live {
		t.Fatal("expected refresh to extend expiry monotonically")
	}
}

func testSessionIsolation(t *testing.T, factory StoreFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	if err := s.AcquireOrRefresh(ctx, "sess-a", "owner-1", time.Minute); err != nil {
		t.Fatalf("AcquireOrRefresh: %v", err)
	}
	if err := s.Release(ctx, "sess-b", "owner-1"); err != nil {
		t.Fatalf("Release other session: %v", err)
	}
	live, err := s.IsLive(ctx, "sess-a")
	if err != nil {
		t.Fatalf("IsLive: %v", err)
	}
	if !live {
		t.Fatal("releasing one session must not affect another")
	}
}
