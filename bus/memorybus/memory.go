// Package memorybus provides an in-memory implementation of bus.Bus using Go
// channels. State is process-local, so it is suitable for single-node
// deployments and tests.
package memorybus

import (
	"context"
	"sync"

	"github.com/xifanezz/turnstream-go/bus"
)

// Bus implements bus.Bus with a per-session subscriber set.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

type subscription struct {
	ch   chan bus.Signal
	stop chan struct{}
}

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[*subscription]struct{})}
}

func (b *Bus) Publish(ctx context.Context, sessionID string, sig bus.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[sessionID]))
	for sub := range b.subs[sessionID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- sig:
		case <-sub.stop:
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, sessionID string, handler bus.HandlerFunc) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		ch:   make(chan bus.Signal, 8),
		stop: make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		for {
			select {
			case sig := <-sub.ch:
				handler(ctx, sig)
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[sessionID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
			close(sub.stop)
		})
	}
	return unsubscribe, nil
}

var _ bus.Bus = (*Bus)(nil)
