package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xifanezz/turnstream-go/bus/memorybus"
	"github.com/xifanezz/turnstream-go/lease/memorylease"
	"github.com/xifanezz/turnstream-go/pacing"
	"github.com/xifanezz/turnstream-go/stream/memorystream"
)

// Per-session bookkeeping must not accumulate across finished turns.
func TestWindDownEvictsSessionTracking(t *testing.T) {
	streams := memorystream.New()
	t.Cleanup(func() { _ = streams.Close() })
	m := NewManager(memorylease.New(), memorybus.New(), streams,
		WithConfig(Config{
			LeaseTTL: time.Second,
			Pacing: pacing.Config{
				MinDelay: time.Millisecond,
				MaxDelay: 2 * time.Millisecond,
			},
		}))
	t.Cleanup(func() { _ = m.Close() })

	ctx := context.Background()
	p := ProducerFunc(func(ctx context.Context, input string, em Emitter) error {
		return em.EmitText(ctx, "done\n")
	})

	for _, id := range []string{"sess-1", "sess-2", "sess-3"} {
		require.NoError(t, m.Begin(ctx, id, "x", p))
	}

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.controllers) == 0 && len(m.lastAttach) == 0
	}, 5*time.Second, 10*time.Millisecond, "tracking maps must drain once turns finish")
}

// Debounce stamps age out of the map instead of pinning one entry per session
// id forever.
func TestAttachDebounceStampsAgeOut(t *testing.T) {
	streams := memorystream.New()
	t.Cleanup(func() { _ = streams.Close() })
	cfg := Config{
		LeaseTTL:       time.Second,
		AttachDebounce: 30 * time.Millisecond,
		Pacing: pacing.Config{
			MinDelay: time.Millisecond,
			MaxDelay: 2 * time.Millisecond,
		},
	}
	m := NewManager(memorylease.New(), memorybus.New(), streams, WithConfig(cfg))
	t.Cleanup(func() { _ = m.Close() })

	ctx := context.Background()
	gate := make(chan struct{})
	p := ProducerFunc(func(ctx context.Context, input string, em Emitter) error {
		if err := em.EmitText(ctx, "a\n"); err != nil {
			return err
		}
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, m.Begin(ctx, "sess-a", "x", p))
	require.NoError(t, m.Begin(ctx, "sess-b", "x", p))

	r, err := m.Attach(ctx, "sess-a")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	time.Sleep(2 * cfg.AttachDebounce)

	// The next attach prunes the expired sess-a stamp while recording its own.
	r, err = m.Attach(ctx, "sess-b")
	require.NoError(t, err)
	require.NoError(t, r.Close())

	m.mu.Lock()
	_, staleKept := m.lastAttach["sess-a"]
	n := len(m.lastAttach)
	m.mu.Unlock()
	require.False(t, staleKept, "expired debounce stamp must be pruned")
	require.Equal(t, 1, n)

	close(gate)
}
