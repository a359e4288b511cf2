// Package bustest provides a conformance test suite for bus.Bus
// implementations.
package bustest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xifanezz/turnstream-go/bus"
)

// BusFactory creates a fresh Bus for a test.
type BusFactory func(t *testing.T) bus.Bus

// RunBusTests runs the complete bus.Bus test suite against the factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishWithoutSubscribersIsLost", func(t *testing.T) { testPublishWithoutSubscribers(t, factory) })
	t.Run("SubscriberReceivesSignal", func(t *testing.T) { testSubscriberReceivesSignal(t, factory) })
	t.Run("AllSubscribersReceiveEverySignal", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribeStopsDelivery(t, factory) })
	t.Run("SessionIsolation", func(t *testing.T) { testSessionIsolation(t, factory) })
}

type recorder struct {
	mu   sync.Mutex
	sigs []bus.Signal
	ch   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 16)}
}

func (r *recorder) handler(ctx context.Context, sig bus.Signal) {
	r.mu.Lock()
	r.sigs = append(r.sigs, sig)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) waitN(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for signal %d of %d", i+1, n)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sigs)
}

func testPublishWithoutSubscribers(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx := context.Background()

	err := b.Publish(ctx, "sess-1", bus.Signal{SessionID: "sess-1", Type: bus.SignalAbort})
	if err != nil {
		t.Fatalf("publish with no subscribers must not fail: %v", err)
	}
}

func testSubscriberReceivesSignal(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := newRecorder()
	unsub, err := b.Subscribe(ctx, "sess-1", rec.handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := b.Publish(ctx, "sess-1", bus.Signal{SessionID: "sess-1", Type: bus.SignalAbort}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	rec.waitN(t, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.sigs[0].Type != bus.SignalAbort {
		t.Fatalf("expected abort signal, got %q", rec.sigs[0].Type)
	}
	if rec.sigs[0].SessionID != "sess-1" {
		t.Fatalf("expected session sess-1, got %q", rec.sigs[0].SessionID)
	}
}

func testFanOut(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recA, recB := newRecorder(), newRecorder()
	unsubA, err := b.Subscribe(ctx, "sess-1", recA.handler)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	defer unsubA()
	unsubB, err := b.Subscribe(ctx, "sess-1", recB.handler)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}
	defer unsubB()

	for i := 0; i < 3; i++ {
		if err := b.Publish(ctx, "sess-1", bus.Signal{SessionID: "sess-1", Type: bus.SignalAbort}); err != nil {
			t.Fatalf("Publish #%d: %v", i+1, err)
		}
	}
	recA.waitN(t, 3)
	recB.waitN(t, 3)
}

func testUnsubscribeStopsDelivery(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := newRecorder()
	unsub, err := b.Subscribe(ctx, "sess-1", rec.handler)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsub()
	// Double-unsubscribe must be safe.
	unsub()

	if err := b.Publish(ctx, "sess-1", bus.Signal{SessionID: "sess-1", Type: bus.SignalAbort}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got)
	}
}

func testSessionIsolation(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recA, recB := newRecorder(), newRecorder()
	unsubA, err := b.Subscribe(ctx, "sess-a", recA.handler)
	if err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	defer unsubA()
	unsubB, err := b.Subscribe(ctx, "sess-b", recB.handler)
	if err != nil {
		t.Fatalf("Subscribe b: %v", err)
	}
	defer unsubB()

	if err := b.Publish(ctx, "sess-a", bus.Signal{SessionID: "sess-a", Type: bus.SignalAbort}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	recA.waitN(t, 1)
	time.Sleep(100 * time.Millisecond)
	if got := recB.count(); got != 0 {
		t.Fatalf("signal for sess-a leaked to sess-b subscriber (%d)", got)
	}
}
