package redisbus

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xifanezz/turnstream-go/bus"
	"github.com/xifanezz/turnstream-go/bus/bustest"
)

func TestRedisBus(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) bus.Bus {
		mr := miniredis.RunT(t)
		cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = cl.Close() })
		return New(cl, "")
	})
}
