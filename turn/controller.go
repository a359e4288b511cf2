// Package turn tracks the lifecycle of a session's generations: the
// monotonically increasing attempt counter, the side-effecting calls still in
// flight, and the soft-cancel / hard-abort signals that wind a generation
// down. Its job is to guarantee that every call issued within a generation
// receives exactly one result — real or synthetic — before the generation is
// considered closed, and that results arriving under a stale generation are
// discarded.
package turn

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrAbortedByCancellation is the synthetic outcome recorded for calls that
// were still pending when their generation was canceled. It is an expected,
// recoverable result for downstream consumers, not a system failure.
var ErrAbortedByCancellation = errors.New("turn: aborted by cancellation, no output produced")

// State is the lifecycle of one generation.
type State int

const (
	// Idle means no generation has started yet.
	Idle State = iota
	// Running means the generation is producing.
	Running
	// SoftCanceled means the generation was asked to wind down: no new
	// side-effecting calls, pending ones resolved synthetically.
	SoftCanceled
	// HardAborted means blocking work was interrupted via the generation
	// context. Implies the soft-cancel semantics.
	HardAborted
	// Finished is terminal for a generation.
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case SoftCanceled:
		return "soft_canceled"
	case HardAborted:
		return "hard_aborted"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Controller is the per-session generation state machine. All methods are safe
// for concurrent use; cancel signals typically arrive from a bus subscription
// goroutine while the producer runs elsewhere.
type Controller struct {
	mu          sync.Mutex
	generation  int
	state       State
	pending     map[string]struct{}
	synthesized []string
	cancel      context.CancelFunc
}

// NewController creates a controller with no generation started.
func NewController() *Controller {
	return &Controller{state: Idle}
}

// StartGeneration begins a fresh generation, closing out the previous one if
// its owner never did (any calls it left pending are resolved synthetically
// and dropped). The returned Generation carries the new generation number and
// a context that is canceled on hard abort; every asynchronous callback
// scheduled for this attempt must hold the Generation so stale results can be
// discarded on receipt.
func (c *Controller) StartGeneration(parent context.Context) *Generation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.generation++
	c.state = Running
	c.pending = make(map[string]struct{})
	c.synthesized = nil

	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	return &Generation{c: c, num: c.generation, ctx: ctx}
}

// Generation returns the current generation number; zero before the first
// StartGeneration.
func (c *Controller) Generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// State returns the current generation's state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PendingCalls returns the number of calls awaiting a result in the current
// generation.
func (c *Controller) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SoftCancel asks the current generation to wind down: the producer must stop
// issuing new side-effecting calls, and every call still pending receives a
// synthetic aborted result. Calling it repeatedly, or after the generation
// finished, is a no-op.
func (c *Controller) SoftCancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return
	}
	c.state = SoftCanceled
	c.drainPendingLocked()
}

// HardAbort interrupts blocking work by canceling the generation context,
// then applies the soft-cancel semantics. Idempotent.
func (c *Controller) HardAbort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running && c.state != SoftCanceled {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.state = HardAborted
	c.drainPendingLocked()
}

func (c *Controller) drainPendingLocked() {
	for id := range c.pending {
		c.synthesized = append(c.synthesized, id)
	}
	sort.Strings(c.synthesized)
	c.pending = make(map[string]struct{})
}

// Generation is a handle on one attempt. Its bookkeeping methods silently
// become no-ops once a newer generation has started, which is exactly the
// compare-and-discard behavior stale asynchronous results need.
type Generation struct {
	c   *Controller
	num int
	ctx context.Context
}

// Num returns this generation's number.
func (g *Generation) Num() int { return g.num }

// Context is canceled when this generation is hard-aborted or superseded.
// Producers must poll it cooperatively at every suspension point.
func (g *Generation) Context() context.Context { return g.ctx }

// current reports whether this generation is still the controller's latest.
func (g *Generation) current() bool {
	return g.c.generation == g.num
}

// RegisterCall records a side-effecting call issued by the producer. Calls
// issued under a stale generation, or after cancellation, are not recorded.
func (g *Generation) RegisterCall(callID string) {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	if !g.current() || g.c.state != Running {
		return
	}
	g.c.pending[callID] = struct{}{}
}

// ResolveCall records the real result for a previously registered call. A
// resolution arriving under a stale generation is discarded and does not
// mutate the newer generation's pending set.
func (g *Generation) ResolveCall(callID string) {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	if !g.current() {
		return
	}
	delete(g.c.pending, callID)
}

// Stopped reports whether this generation has been asked to wind down (soft
// or hard) or superseded. Producers consult it before issuing new calls.
func (g *Generation) Stopped() bool {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	return !g.current() || g.c.state != Running
}

// Aborted reports whether this generation was hard-aborted.
func (g *Generation) Aborted() bool {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	return g.current() && g.c.state == HardAborted
}

// CloseOut finishes this generation and returns the ids of every call that
// required a synthetic aborted result, in stable order. Any call still
// pending at close (a producer that errored out mid-call) is included, so the
// issued-equals-resolved invariant holds for every path out of a generation.
// Called once by the generation's owner; stale or repeated calls return nil.
func (g *Generation) CloseOut() []string {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	if !g.current() || g.c.state == Finished {
		return nil
	}
	g.c.drainPendingLocked()
	g.c.state = Finished
	if g.c.cancel != nil {
		g.c.cancel()
		g.c.cancel = nil
	}
	out := g.c.synthesized
	g.c.synthesized = nil
	return out
}
