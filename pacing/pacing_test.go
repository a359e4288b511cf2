package pacing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// noJitter pins the jitter multiplier so delay assertions are deterministic.
func noJitter(f *Filter) {
	f.randMul = func() float64 { return 1 }
}

// capture collects forwarded payloads and the delay slept before each one.
type capture struct {
	mu     sync.Mutex
	chunks []string
	delays []time.Duration
	nextD  time.Duration
}

func (c *capture) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.nextD = d
	c.mu.Unlock()
	return ctx.Err()
}

func (c *capture) forward(ctx context.Context, data []byte) error {
	c.mu.Lock()
	c.chunks = append(c.chunks, string(data))
	c.delays = append(c.delays, c.nextD)
	c.nextD = 0
	c.mu.Unlock()
	return nil
}

func TestUnitsIn(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"", 0},
		{"no breaks here", 0},
		{"one\n", 1},
		{"a\nb\nc\n", 3},
	}
	for _, tc := range cases {
		if got := UnitsIn(tc.text); got != tc.want {
			t.Fatalf("UnitsIn(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestDelayBounds(t *testing.T) {
	f := New(Config{}, func(ctx context.Context, data []byte) error { return nil })

	// With jitter active, the delay must stay within [MinDelay, MaxDelay] for
	// any backlog.
	for backlog := 0; backlog < 200; backlog++ {
		d := f.delayFor(backlog)
		if d < f.cfg.MinDelay {
			t.Fatalf("backlog %d: delay %v below floor %v", backlog, d, f.cfg.MinDelay)
		}
		if d > f.cfg.MaxDelay {
			t.Fatalf("backlog %d: delay %v above ceiling %v", backlog, d, f.cfg.MaxDelay)
		}
	}
}

func TestDelayShrinksAsBacklogGrows(t *testing.T) {
	f := New(Config{}, func(ctx context.Context, data []byte) error { return nil })
	noJitter(f)

	prev := f.delayFor(0)
	if prev != f.cfg.MaxDelay {
		t.Fatalf("empty backlog should pace at MaxDelay, got %v", prev)
	}
	for backlog := 1; backlog < 100; backlog++ {
		d := f.delayFor(backlog)
		if d > prev {
			t.Fatalf("delay grew from %v to %v at backlog %d", prev, d, backlog)
		}
		prev = d
	}
}

func TestOrderPreservedAndUnpacedChunksSkipDelay(t *testing.T) {
	cap := &capture{}
	f := New(Config{}, cap.forward)
	noJitter(f)
	f.sleep = cap.sleep

	f.Ingest([]byte("line one\n"), 1)
	f.Ingest([]byte("tool call"), 0)
	f.Ingest([]byte("line two\nline three\n"), 2)
	f.Close()

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"line one\n", "tool call", "line two\nline three\n"}
	if len(cap.chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(cap.chunks))
	}
	for i := range want {
		if cap.chunks[i] != want[i] {
			t.Fatalf("chunk %d out of order: %q", i, cap.chunks[i])
		}
	}
	if cap.delays[1] != 0 {
		t.Fatalf("unpaced chunk slept %v, want 0", cap.delays[1])
	}
	if cap.delays[0] == 0 || cap.delays[2] == 0 {
		t.Fatalf("paced chunks must sleep, got %v and %v", cap.delays[0], cap.delays[2])
	}
}

func TestBacklogReservesOneUnitOfDebt(t *testing.T) {
	cap := &capture{}
	f := New(Config{}, cap.forward)
	noJitter(f)
	f.sleep = cap.sleep

	// Two single-unit chunks: forwarding the first leaves one unit in the
	// backlog, which after the one-unit debt reserve still paces at MaxDelay.
	f.Ingest([]byte("a\n"), 1)
	f.Ingest([]byte("b\n"), 1)
	f.Close()

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cap.delays[0] != f.cfg.MaxDelay {
		t.Fatalf("expected first chunk at MaxDelay, got %v", cap.delays[0])
	}
	if cap.delays[1] != f.cfg.MaxDelay {
		t.Fatalf("expected drained backlog to pace at MaxDelay, got %v", cap.delays[1])
	}
}

func TestDeepBacklogForwardsFastThenSlows(t *testing.T) {
	cap := &capture{}
	f := New(Config{}, cap.forward)
	noJitter(f)
	f.sleep = cap.sleep

	// A burst of forty single-unit chunks: the head of the queue forwards
	// quickly against a deep backlog, and delays grow back toward MaxDelay as
	// the backlog drains.
	for i := 0; i < 40; i++ {
		f.Ingest([]byte("x\n"), 1)
	}
	f.Close()

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cap.delays) != 40 {
		t.Fatalf("expected 40 forwards, got %d", len(cap.delays))
	}
	if cap.delays[0] >= cap.delays[39] {
		t.Fatalf("expected delay to grow as backlog drains: first %v, last %v", cap.delays[0], cap.delays[39])
	}
	for i := 1; i < len(cap.delays); i++ {
		if cap.delays[i] < cap.delays[i-1] {
			t.Fatalf("delay decreased while backlog drained: %v then %v at %d", cap.delays[i-1], cap.delays[i], i)
		}
	}
	if cap.delays[39] != f.cfg.MaxDelay {
		t.Fatalf("expected drained queue to end at MaxDelay, got %v", cap.delays[39])
	}
}

func TestCloseDrainsBufferedChunks(t *testing.T) {
	cap := &capture{}
	f := New(Config{}, cap.forward)
	noJitter(f)
	f.sleep = cap.sleep

	for i := 0; i < 5; i++ {
		f.Ingest([]byte("x\n"), 1)
	}
	f.Close()
	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cap.chunks) != 5 {
		t.Fatalf("expected all buffered chunks drained on close, got %d", len(cap.chunks))
	}
}

func TestCancellationDropsQueue(t *testing.T) {
	cap := &capture{}
	f := New(Config{MinDelay: time.Hour, MaxDelay: time.Hour}, cap.forward)

	ctx, cancel := context.WithCancel(context.Background())
	f.Ingest([]byte("a\n"), 1)
	f.Ingest([]byte("b\n"), 1)

	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	if len(cap.chunks) != 0 {
		t.Fatalf("expected queue dropped without forwarding, got %d chunks", len(cap.chunks))
	}
}

func TestForwardErrorStopsRun(t *testing.T) {
	boom := errors.New("downstream closed")
	f := New(Config{}, func(ctx context.Context, data []byte) error { return boom })
	noJitter(f)
	f.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	f.Ingest([]byte("a"), 0)
	f.Close()
	if err := f.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected forward error to propagate, got %v", err)
	}
}
