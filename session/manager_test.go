package session_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xifanezz/turnstream-go/bus/memorybus"
	"github.com/xifanezz/turnstream-go/lease"
	"github.com/xifanezz/turnstream-go/lease/memorylease"
	"github.com/xifanezz/turnstream-go/pacing"
	"github.com/xifanezz/turnstream-go/session"
	"github.com/xifanezz/turnstream-go/stream"
	"github.com/xifanezz/turnstream-go/stream/memorystream"
	"github.com/xifanezz/turnstream-go/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testConfig keeps the pacing delays tiny so the suite runs fast while still
// exercising the real forward path.
func testConfig() session.Config {
	return session.Config{
		LeaseTTL: time.Second,
		Pacing: pacing.Config{
			MinDelay: time.Millisecond,
			MaxDelay: 2 * time.Millisecond,
		},
	}
}

func newTestManager(t *testing.T, cfg session.Config) (*session.Manager, lease.Store) {
	t.Helper()
	leases := memorylease.New()
	signals := memorybus.New()
	streams := memorystream.New()
	t.Cleanup(func() { _ = streams.Close() })

	m := session.NewManager(leases, signals, streams, session.WithConfig(cfg))
	t.Cleanup(func() { _ = m.Close() })
	return m, leases
}

func readEvent(t *testing.T, ctx context.Context, r stream.Reader) session.Event {
	t.Helper()
	chunk, err := r.Next(ctx)
	require.NoError(t, err)
	ev, err := session.DecodeEvent(chunk.Data)
	require.NoError(t, err)
	return ev
}

func expectEOF(t *testing.T, ctx context.Context, r stream.Reader) {
	t.Helper()
	_, err := r.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestAttachReplaysHistoryThenTailsLive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, _ := newTestManager(t, testConfig())

	gate := make(chan struct{})
	p := session.ProducerFunc(func(ctx context.Context, input string, em session.Emitter) error {
		if err := em.EmitText(ctx, "a\n"); err != nil {
			return err
		}
		if err := em.EmitText(ctx, "b\n"); err != nil {
			return err
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return em.EmitText(ctx, "c\n")
	})

	require.NoError(t, m.Begin(ctx, "sess-a", "hello", p))

	r, err := m.Attach(ctx, "sess-a")
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, "a\n", readEvent(t, ctx, r).Text)
	require.Equal(t, "b\n", readEvent(t, ctx, r).Text)

	// Nothing else emitted yet; release the producer and the reader picks up
	// the live tail of the same epoch.
	close(gate)
	require.Equal(t, "c\n", readEvent(t, ctx, r).Text)
	expectEOF(t, ctx, r)

	// Late attach replays the full, finished epoch.
	r2, err := m.Attach(ctx, "sess-a")
	require.NoError(t, err)
	defer r2.Close()
	require.Equal(t, "a\n", readEvent(t, ctx, r2).Text)
	require.Equal(t, "b\n", readEvent(t, ctx, r2).Text)
	require.Equal(t, "c\n", readEvent(t, ctx, r2).Text)
	expectEOF(t, ctx, r2)
}

func TestStopSynthesizesResultForPendingCall(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, leases := newTestManager(t, testConfig())

	p := session.ProducerFunc(func(ctx context.Context, input string, em session.Emitter) error {
		if err := em.BeginCall(ctx, "call-1"); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	})

	require.NoError(t, m.Begin(ctx, "sess-b", "slow work", p))

	r, err := m.Attach(ctx, "sess-b")
	require.NoError(t, err)
	defer r.Close()

	ev := readEvent(t, ctx, r)
	require.Equal(t, session.EventCall, ev.Kind)
	require.Equal(t, "call-1", ev.CallID)

	require.NoError(t, m.Stop(ctx, "sess-b"))

	ev = readEvent(t, ctx, r)
	require.Equal(t, session.EventCallResult, ev.Kind)
	require.Equal(t, "call-1", ev.CallID)
	require.True(t, ev.Aborted)
	require.Equal(t, turn.ErrAbortedByCancellation.Error(), ev.Result)
	expectEOF(t, ctx, r)

	require.Eventually(t, func() bool {
		live, err := leases.IsLive(ctx, "sess-b")
		return err == nil && !live
	}, 5*time.Second, 10*time.Millisecond, "lease must be gone once the session wound down")
}

func TestBeginConflictsWhileWriterIsLive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, _ := newTestManager(t, testConfig())

	gate := make(chan struct{})
	p := session.ProducerFunc(func(ctx context.Context, input string, em session.Emitter) error {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	})

	require.NoError(t, m.Begin(ctx, "sess-c", "first", p))
	err := m.Begin(ctx, "sess-c", "second", p)
	require.ErrorIs(t, err, session.ErrConflict)

	close(gate)
	r, err := m.Attach(ctx, "sess-c")
	require.NoError(t, err)
	defer r.Close()
	expectEOF(t, ctx, r)
}

func TestAttachUnknownSessionIsNotFound(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, testConfig())

	_, err := m.Attach(ctx, "never-started")
	require.ErrorIs(t, err, stream.ErrNotFound)
}

func TestAttachDebounceCoalescesReconnectRaces(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := testConfig()
	cfg.AttachDebounce = time.Minute
	m, _ := newTestManager(t, cfg)

	p := session.ProducerFunc(func(ctx context.Context, input string, em session.Emitter) error {
		return em.EmitText(ctx, "only\n")
	})
	require.NoError(t, m.Begin(ctx, "sess-d", "x", p))

	r, err := m.Attach(ctx, "sess-d")
	require.NoError(t, err)
	defer r.Close()

	_, err = m.Attach(ctx, "sess-d")
	require.ErrorIs(t, err, session.ErrDebounced)

	// Other sessions are unaffected by the window.
	_, err = m.Attach(ctx, "sess-other")
	require.ErrorIs(t, err, stream.ErrNotFound)
}

func TestHeartbeatKeepsLeaseAliveThroughLongTurns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := testConfig()
	cfg.LeaseTTL = 80 * time.Millisecond
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m, leases := newTestManager(t, cfg)

	gate := make(chan struct{})
	p := session.ProducerFunc(func(ctx context.Context, input string, em session.Emitter) error {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return nil
	})
	require.NoError(t, m.Begin(ctx, "sess-e", "long turn", p))

	// Well past the TTL, renewals must have kept the session live.
	time.Sleep(200 * time.Millisecond)
	live, err := leases.IsLive(ctx, "sess-e")
	require.NoError(t, err)
	require.True(t, live)

	close(gate)
	require.Eventually(t, func() bool {
		live, err := leases.IsLive(ctx, "sess-e")
		return err == nil && !live
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProducerErrorFailsTheEpoch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, leases := newTestManager(t, testConfig())

	boom := errors.New("model backend unavailable")
	p := session.ProducerFunc(func(ctx context.Context, input string, em session.Emitter) error {
		if err := em.EmitText(ctx, "partial\n"); err != nil {
			return err
		}
		return boom
	})
	require.NoError(t, m.Begin(ctx, "sess-f", "x", p))

	r, err := m.Attach(ctx, "sess-f")
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, "partial\n", readEvent(t, ctx, r).Text)
	_, err = r.Next(ctx)
	var perr *stream.ProducerError
	require.ErrorAs(t, err, &perr)
	require.Contains(t, perr.Msg, "model backend unavailable")

	require.Eventually(t, func() bool {
		live, err := leases.IsLive(ctx, "sess-f")
		return err == nil && !live
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopUnknownSessionStillAcks(t *testing.T) {
	m, _ := newTestManager(t, testConfig())
	require.NoError(t, m.Stop(context.Background(), "no-such-session"))
}

func TestStateReflectsLivenessAndGeneration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m, _ := newTestManager(t, testConfig())

	st, err := m.State(ctx, "sess-g")
	require.NoError(t, err)
	require.False(t, st.Running)
	require.Zero(t, st.Generation)

	blockUntil := func(gate chan struct{}) session.ProducerFunc {
		return func(ctx context.Context, input string, em session.Emitter) error {
			select {
			case <-gate:
			case <-ctx.Done():
			}
			return nil
		}
	}

	gate1 := make(chan struct{})
	require.NoError(t, m.Begin(ctx, "sess-g", "x", blockUntil(gate1)))

	st, err = m.State(ctx, "sess-g")
	require.NoError(t, err)
	require.True(t, st.Running)
	require.Equal(t, 1, st.Generation)

	// Wind-down drops the tracking entry along with the lease.
	close(gate1)
	require.Eventually(t, func() bool {
		st, err := m.State(ctx, "sess-g")
		return err == nil && !st.Running && st.Generation == 0
	}, 5*time.Second, 10*time.Millisecond)

	gate2 := make(chan struct{})
	require.NoError(t, m.Begin(ctx, "sess-g", "y", blockUntil(gate2)))
	st, err = m.State(ctx, "sess-g")
	require.NoError(t, err)
	require.True(t, st.Running)
	require.Equal(t, 1, st.Generation)
	close(gate2)
}
