// Package pacing smooths bursty producer output before it reaches the durable
// stream. Raw model output tends to arrive in large multi-line deltas; passing
// those straight through makes UI "typing" feel unnatural and can overwhelm
// slow renderers. The filter re-times forwarding with a delay that shrinks
// exponentially as backlog grows, so delivery speeds up under pressure but
// never fully catches up to the producer.
//
// Only timing is altered. Chunk content and order are preserved exactly: a
// single drain loop forwards one chunk at a time in ingestion order.
package pacing

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Config holds the pacing parameters. The defaults are tuned for interactive
// terminal rendering; they affect feel, not correctness.
type Config struct {
	// MinDelay is the floor applied to every paced chunk.
	MinDelay time.Duration
	// MaxDelay is the delay applied when there is no backlog.
	MaxDelay time.Duration
	// Decay controls how quickly delay shrinks as backlog grows.
	Decay float64
	// Jitter is the uniform +-fraction applied to each computed delay.
	Jitter float64
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 1500 * time.Millisecond
	}
	if c.Decay <= 0 {
		c.Decay = 0.15
	}
	if c.Jitter <= 0 {
		c.Jitter = 0.10
	}
	return c
}

// UnitsIn counts the line-break units in a chunk of text. A chunk with no line
// breaks is not pace-worthy and is forwarded without delay.
func UnitsIn(text string) int {
	return strings.Count(text, "\n")
}

// ForwardFunc receives chunks downstream of the filter, one at a time, in
// ingestion order.
type ForwardFunc func(ctx context.Context, data []byte) error

type item struct {
	data  []byte
	units int
}

// Filter is the pacing stage between a producer and a stream writer. Ingest
// may be called from the producing goroutine; exactly one goroutine must run
// Run to drain the queue.
type Filter struct {
	cfg     Config
	forward ForwardFunc

	mu        sync.Mutex
	queue     []item
	available int
	closed    bool
	wake      chan struct{}

	// Injection points for tests.
	sleep   func(ctx context.Context, d time.Duration) error
	randMul func() float64
}

// New creates a filter forwarding into fn. Zero-valued Config fields take
// their defaults.
func New(cfg Config, fn ForwardFunc) *Filter {
	f := &Filter{
		cfg:     cfg.withDefaults(),
		forward: fn,
		wake:    make(chan struct{}, 1),
		sleep:   sleepCtx,
	}
	f.randMul = func() float64 {
		return 1 + f.cfg.Jitter*(2*rand.Float64()-1)
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Ingest enqueues a chunk. units is the chunk's pace-worthy line-break count;
// zero means forward with no delay. Ingest after Close is ignored.
func (f *Filter) Ingest(data []byte, units int) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.queue = append(f.queue, item{data: data, units: units})
	if units > 0 {
		f.available += units
	}
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close marks the upstream as complete. Run drains the remaining queue, still
// respecting per-chunk delay, then returns.
func (f *Filter) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until Close has been called and everything buffered has
// been forwarded, or until ctx is canceled. Cancellation drops whatever is
// still queued without forwarding it.
func (f *Filter) Run(ctx context.Context) error {
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			closed := f.closed
			f.mu.Unlock()
			if closed {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-f.wake:
			}
			continue
		}
		it := f.queue[0]
		f.queue = f.queue[1:]
		var d time.Duration
		if it.units > 0 {
			// The chunk's own units leave the backlog before the delay is
			// computed; one unit of debt is always reserved so the filter
			// never fully catches up to the producer.
			f.available -= it.units
			backlog := f.available - 1
			if backlog < 0 {
				backlog = 0
			}
			d = f.delayFor(backlog)
		}
		f.mu.Unlock()

		if d > 0 {
			if err := f.sleep(ctx, d); err != nil {
				return err
			}
		}
		if err := f.forward(ctx, it.data); err != nil {
			return err
		}
	}
}

// delayFor computes the forwarding delay for the given backlog of pace-worthy
// units: MinDelay + (MaxDelay-MinDelay)*exp(-Decay*backlog), with uniform
// jitter, clamped to [MinDelay, MaxDelay].
func (f *Filter) delayFor(backlog int) time.Duration {
	min := float64(f.cfg.MinDelay)
	max := float64(f.cfg.MaxDelay)
	d := min + (max-min)*math.Exp(-f.cfg.Decay*float64(backlog))
	d *= f.randMul()
	if d < min {
		d = min
	}
	if d > max {
		d = max
	}
	return time.Duration(d)
}
