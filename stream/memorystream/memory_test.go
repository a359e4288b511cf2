package memorystream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xifanezz/turnstream-go/stream"
	"github.com/xifanezz/turnstream-go/stream/streamtest"
)

func TestMemoryRegistry(t *testing.T) {
	streamtest.RunRegistryTests(t, func(t *testing.T) stream.Registry {
		reg := New()
		t.Cleanup(func() { _ = reg.Close() })
		return reg
	})
}

func TestSweepEvictsTerminatedEpochs(t *testing.T) {
	reg := New(WithRetention(50*time.Millisecond), WithSweepInterval(25*time.Millisecond))
	defer reg.Close()
	ctx := context.Background()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if err := w.Write(ctx, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	// Within the retention window the stream is still attachable.
	if _, err := reg.AttachReader(ctx, "sess-1"); err != nil {
		t.Fatalf("AttachReader within retention: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := reg.AttachReader(ctx, "sess-1")
		if errors.Is(err, stream.ErrNotFound) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("expected sweep to evict terminated epoch")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSweepSparesLiveEpochs(t *testing.T) {
	reg := New(WithRetention(10*time.Millisecond), WithSweepInterval(10*time.Millisecond))
	defer reg.Close()
	ctx := context.Background()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := w.Write(ctx, []byte("still here")); err != nil {
		t.Fatalf("expected live epoch to survive sweep: %v", err)
	}
}

func TestDeleteTerminatesAttachedReaders(t *testing.T) {
	reg := New()
	defer reg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w, err := reg.CreateWriter(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CreateWriter: %v", err)
	}
	if err := w.Write(ctx, []byte("a")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r, err := reg.AttachReader(ctx, "sess-1")
	if err != nil {
		t.Fatalf("AttachReader: %v", err)
	}
	if _, err := r.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Next(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := reg.Delete(ctx, "sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected blocked reader to observe termination")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reader to unblock after delete")
	}
}
