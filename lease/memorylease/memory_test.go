package memorylease

import (
	"testing"
	"time"

	"github.com/xifanezz/turnstream-go/lease"
	"github.com/xifanezz/turnstream-go/lease/leasetest"
)

func TestMemoryLeaseStore(t *testing.T) {
	leasetest.RunStoreTests(t, func(t *testing.T) (lease.Store, func(time.Duration)) {
		s := New()
		return s, func(d time.Duration) { time.Sleep(d) }
	})
}
