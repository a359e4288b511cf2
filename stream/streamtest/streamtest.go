// Package streamtest provides a conformance test suite for stream.Registry
// implementations.
package streamtest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/xifanezz/turnstream-go/stream"
)

// RegistryFactory creates a fresh Registry for a test.
type RegistryFactory func(t *testing.T) stream.Registry

// RunRegistryTests runs the complete stream.Registry test suite against the
// factory.
func RunRegistryTests(t *testing.T, factory RegistryFactory) {
	t.Run("AttachUnknownSessionIsNotFound", func(t *testing.T) { testAttachUnknown(t, factory) })
	t.Run("SecondWriterIsRejected", func(t *testing.T) { testSecondWriterRejected(t, factory) })
	t.Run("ReplayThenLiveTail", func(t *testing.T) { testReplayThenLiveTail(t, factory) })
	t.Run("ConcurrentReadersAreIndependent", func(t *testing.T) { testConcurrentReaders(t, factory) })
	t.Run("AttachAfterFinishReplaysFullHistory", func(t *testing.T) { testAttachAfterFinish(t, factory) })
	t.Run("FailDeliversTerminalError", func(t *testing.T) { testFailTerminal(t, factory) })
	t.Run("WriteAfterTerminalIsRejected", func(t *testing.T) { testWriteAfterTerminal(t, factory) })
	t.Run("NewEpochReplacesTerminatedHistory", func(t *testing.T) { testNewEpochReplacesHistory(t, factory) })
	t.Run("EpochIDsAreUnique", func(t *testing.T) { testEpochIDsUnique(t, factory) })
}

// drain reads n chunks and returns their payloads in order.
func drain(t *testing.T, ctx context.Context, r stream.Reader, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c, err := r.Next(ctx)
		if err != nil {
			t.Fatalf("Next #%d: %v", i+1, err)
		}
		out = append(out, string(c.Data))
	}
	return out
}

func expectEOF(t *testing.T, ctx context.Context, r stream.Reader) {
	t.Helper()
	if _, err := r.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF terminal, got %v", err)
	}
}

func expectSeq(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d (%q)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("chunk %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func testAttachUnknown(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := context.Background()

	if _, err := reg.AttachReader(ctx, "nope"); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testSecondWriterRejected(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := context.Background()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if _, err := reg.CreateWriter(ctx, "sess-1"); !errors.Is(err, stream.ErrAlreadyWriting) {
		t.Fatalf("expected ErrAlreadyWriting, got %v", err)
	}
	if err := w.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Once the epoch terminated a new writer may start.
	if _, err := reg.CreateWriter(ctx, "sess-1"); err != nil {
		t.Fatalf("CreateWriter after finish: %v", err)
	}
}

func testReplayThenLiveTail(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	for _, d := range []string{"a", "b"} {
		if err := w.Write(ctx, []byte(d)); err != nil {
			t.Fatalf("Write %q: %v", d, err)
		}
	}

	r, err := reg.AttachReader(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	defer r.Close()
	expectSeq(t, drain(t, ctx, r, 2), "a", "b")

	// A chunk written while the reader is blocked arrives live.
	got := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := r.Next(ctx)
		if err != nil {
			errCh <- err
			return
		}
		got <- string(c.Data)
	}()
	time.Sleep(50 * time.Millisecond)
	if err := w.Write(ctx, []byte("c")); err != nil {
		t.Fatalf("Write c: %v", err)
	}
	select {
	case d := <-got:
		if d != "c" {
			t.Fatalf("expected live chunk c, got %q", d)
		}
	case err := <-errCh:
		t.Fatalf("live Next: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for live chunk")
	}

	if err := w.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	expectEOF(t, ctx, r)
}

func testConcurrentReaders(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	for _, d := range []string{"a", "b", "c"} {
		if err := w.Write(ctx, []byte(d)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r1, err := reg.AttachReader(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AttachReader r1: %v", err)
	}
	defer r1.Close()
	r2, err := reg.AttachReader(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AttachReader r2: %v", err)
	}
	defer r2.Close()

	// Interleave reads; each cursor advances independently.
	expectSeq(t, drain(t, ctx, r1, 1), "a")
	expectSeq(t, drain(t, ctx, r2, 3), "a", "b", "c")
	expectSeq(t, drain(t, ctx, r1, 2), "b", "c")
	expectEOF(t, ctx, r1)
	expectEOF(t, ctx, r2)
}

func testAttachAfterFinish(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	for _, d := range []string{"a", "b", "c"} {
		if err := w.Write(ctx, []byte(d)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Reconnect-after-completion: the full history replays, twice if asked.
	for i := 0; i < 2; i++ {
		r, err := reg.AttachReader(ctx, "sess-1")
		if err != nil {
			t.Fatalf("AttachReader #%d: %v", i+1, err)
		}
		expectSeq(t, drain(t, ctx, r, 3), "a", "b", "c")
		expectEOF(t, ctx, r)
		_ = r.Close()
	}
}

func testFailTerminal(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if err := w.Write(ctx, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Fail(ctx, errors.New("model exploded")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	r, err := reg.AttachReader(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	defer r.Close()
	expectSeq(t, drain(t, ctx, r, 1), "a")

	_, err = r.Next(ctx)
	var perr *stream.ProducerError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProducerError terminal, got %v", err)
	}
	if perr.Msg != "model exploded" {
		t.Fatalf("expected failure cause to survive, got %q", perr.Msg)
	}
}

func testWriteAfterTerminal(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := context.Background()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if err := w.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := w.Write(ctx, []byte("late")); !errors.Is(err, stream.ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed on write, got %v", err)
	}
	if err := w.Finish(ctx); !errors.Is(err, stream.ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed on double finish, got %v", err)
	}
	if err := w.Fail(ctx, errors.New("x")); !errors.Is(err, stream.ErrWriterClosed) {
		t.Fatalf("expected ErrWriterClosed on fail after finish, got %v", err)
	}
}

func testNewEpochReplacesHistory(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w1, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter epoch 1: %v", err)
	}
	if err := w1.Write(ctx, []byte("old")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w1.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	w2, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter epoch 2: %v", err)
	}
	if err := w2.Write(ctx, []byte("new")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w2.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Readers see only the current epoch's history.
	r, err := reg.AttachReader(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	defer r.Close()
	expectSeq(t, drain(t, ctx, r, 1), "new")
	expectEOF(t, ctx, r)
}

func testEpochIDsUnique(t *testing.T, factory RegistryFactory) {
	reg := factory(t)
	ctx := context.Background()

	w1, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if w1.EpochID() == "" {
		t.Fatal("expected non-empty epoch id")
	}
	if err := w1.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	w2, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if w1.EpochID() == w2.EpochID() {
		t.Fatalf("expected distinct epoch ids, both %q", w1.EpochID())
	}
}
