// Package memorylease provides an in-memory implementation of lease.Store.
// Expiry is evaluated lazily against the wall clock, which keeps the
// implementation free of background timers. Suitable for single-node
// deployments and tests.
package memorylease

import (
	"context"
	"sync"
	"time"

	"github.com/xifanezz/turnstream-go/lease"
)

type entry struct {
	owner   string
	expires time.Time
}

// Store implements lease.Store with a map guarded by a mutex.
type Store struct {
	mu     sync.Mutex
	leases map[string]entry
	now    func() time.Time
}

// New creates an empty in-memory lease store.
func New() *Store {
	return &Store{
		leases: make(map[string]entry),
		now:    time.Now,
	}
}

func (s *Store) AcquireOrRefresh(ctx context.Context, sessionID, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.leases[sessionID] = entry{owner: owner, expires: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *Store) IsLive(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.leases[sessionID]
	if !ok {
		return false, nil
	}
	if s.now().After(e.expires) {
		// Lazy expiry: drop the record the first time it is observed stale.
		delete(s.leases, sessionID)
		return false, nil
	}
	return true, nil
}

func (s *Store) Release(ctx context.Context, sessionID, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.leases[sessionID]
	if !ok {
		return nil
	}
	if owner != "" && e.owner != owner {
		return nil
	}
	delete(s.leases, sessionID)
	return nil
}

var _ lease.Store = (*Store)(nil)
