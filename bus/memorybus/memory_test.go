package memorybus

import (
	"testing"

	"github.com/xifanezz/turnstream-go/bus"
	"github.com/xifanezz/turnstream-go/bus/bustest"
)

func TestMemoryBus(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) bus.Bus {
		return New()
	})
}
