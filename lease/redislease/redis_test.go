package redislease

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xifanezz/turnstream-go/lease"
	"github.com/xifanezz/turnstream-go/lease/leasetest"
)

func TestRedisLeaseStore(t *testing.T) {
	leasetest.RunStoreTests(t, func(t *testing.T) (lease.Store, func(time.Duration)) {
		mr := miniredis.RunT(t)
		cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = cl.Close() })
		return New(cl, ""), func(d time.Duration) { mr.FastForward(d) }
	})
}
