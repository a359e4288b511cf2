// Package session is the client-facing façade of the streaming layer. A
// Manager composes the lease store, the event bus, the durable stream
// registry, the pacing filter and the generation controller: Begin starts a
// producer writing a new epoch, Attach connects any number of (re)connecting
// readers, Stop broadcasts cancellation, and State answers liveness queries.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xifanezz/turnstream-go/bus"
	"github.com/xifanezz/turnstream-go/lease"
	"github.com/xifanezz/turnstream-go/pacing"
	"github.com/xifanezz/turnstream-go/stream"
	"github.com/xifanezz/turnstream-go/turn"
)

var (
	// ErrConflict is returned by Begin when a live writer already exists for
	// the session. Callers should attach to the existing stream instead of
	// retrying creation.
	ErrConflict = errors.New("session: a live writer already exists")

	// ErrDebounced is returned by Attach when a previous attach for the same
	// session happened within the debounce window. Callers treat it as an
	// empty, successful response, not an error condition.
	ErrDebounced = errors.New("session: attach coalesced within debounce window")
)

// Config holds the manager's timing knobs. The zero value of a field selects
// its default, except AttachDebounce where zero disables debouncing (tests
// and non-HTTP embedders usually want it off).
type Config struct {
	// LeaseTTL bounds how long a crashed writer keeps its session "running".
	LeaseTTL time.Duration
	// HeartbeatInterval is how often the writer renews its lease. Defaults to
	// LeaseTTL/3 so a single missed heartbeat cannot expire the lease.
	HeartbeatInterval time.Duration
	// AttachDebounce coalesces duplicate attach requests from client
	// reconnect races.
	AttachDebounce time.Duration
	// Pacing configures the output pacing filter.
	Pacing pacing.Config
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		LeaseTTL:       15 * time.Second,
		AttachDebounce: 500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	return c
}

// Status is the answer to a get-state query.
type Status struct {
	// Running reports whether a live lease exists for the session. It is
	// advisory: the lease may expire immediately after the query.
	Running bool `json:"running"`
	// Generation is the session's current generation number as known to this
	// process; zero when the session is not running here.
	Generation int `json:"generation"`
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// Manager is the session façade. All state beyond process-local bookkeeping
// lives in the injected backends, so multiple processes may host writers,
// readers and cancelers for disjoint or even shared sessions.
type Manager struct {
	leases  lease.Store
	signals bus.Bus
	streams stream.Registry
	cfg     Config
	log     *slog.Logger

	mu          sync.Mutex
	controllers map[string]*turn.Controller
	lastAttach  map[string]time.Time

	wg sync.WaitGroup
}

// NewManager composes the streaming layer from its storage backends.
func NewManager(leases lease.Store, signals bus.Bus, streams stream.Registry, opts ...Option) *Manager {
	m := &Manager{
		leases:      leases,
		signals:     signals,
		streams:     streams,
		cfg:         DefaultConfig(),
		log:         slog.Default(),
		controllers: make(map[string]*turn.Controller),
		lastAttach:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg = m.cfg.withDefaults()
	return m
}

// Close waits for all in-flight session runners to wind down. It does not
// cancel them; call Stop per session first if prompt shutdown is needed.
func (m *Manager) Close() error {
	m.wg.Wait()
	return nil
}

func (m *Manager) controller(sessionID string) *turn.Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[sessionID]
	if !ok {
		c = turn.NewController()
		m.controllers[sessionID] = c
	}
	return c
}

// Begin starts producing a new generation for sessionID. It returns once the
// writer is registered and the producer is running; output is consumed via
// Attach. Fails with ErrConflict when a live writer already exists.
func (m *Manager) Begin(ctx context.Context, sessionID, input string, p Producer) error {
	w, err := m.streams.CreateWriter(ctx, sessionID)
	if err != nil {
		if errors.Is(err, stream.ErrAlreadyWriting) {
			return fmt.Errorf("begin %s: %w", sessionID, ErrConflict)
		}
		return fmt.Errorf("begin %s: %w", sessionID, err)
	}
	// The epoch id doubles as the lease owner token, fencing this
	// generation's release against a successor's re-acquired lease.
	if err := m.leases.AcquireOrRefresh(ctx, sessionID, w.EpochID(), m.cfg.LeaseTTL); err != nil {
		_ = w.Fail(ctx, err)
		return fmt.Errorf("begin %s: acquire lease: %w", sessionID, err)
	}

	ctrl := m.controller(sessionID)
	gen := ctrl.StartGeneration(context.Background())

	// The runner outlives the Begin call; its context only ends when the
	// generation winds down.
	runCtx, cancelRun := context.WithCancel(context.Background())
	unsub, err := m.signals.Subscribe(runCtx, sessionID, func(_ context.Context, sig bus.Signal) {
		if sig.Type == bus.SignalAbort {
			ctrl.HardAbort()
		}
	})
	if err != nil {
		cancelRun()
		_ = w.Fail(ctx, err)
		_ = m.leases.Release(ctx, sessionID, w.EpochID())
		return fmt.Errorf("begin %s: subscribe signals: %w", sessionID, err)
	}

	m.wg.Add(1)
	go m.run(runCtx, cancelRun, sessionID, input, p, w, ctrl, gen, unsub)

	m.log.InfoContext(ctx, "session.begin.ok",
		slog.String("session_id", sessionID),
		slog.Int("generation", gen.Num()),
		slog.String("epoch_id", w.EpochID()))
	return nil
}

// run drives one generation end to end: heartbeat, pacing, producer, wind-down.
func (m *Manager) run(runCtx context.Context, cancelRun context.CancelFunc, sessionID, input string, p Producer, w stream.Writer, ctrl *turn.Controller, gen *turn.Generation, unsub func()) {
	defer m.wg.Done()
	log := m.log.With(slog.String("session_id", sessionID), slog.Int("generation", gen.Num()))

	// The heartbeat runs on its own timer so lease renewal never blocks
	// production.
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := m.leases.AcquireOrRefresh(runCtx, sessionID, w.EpochID(), m.cfg.LeaseTTL); err != nil && runCtx.Err() == nil {
					log.Warn("session.heartbeat.fail", slog.String("err", err.Error()))
				}
			}
		}
	}()

	pacerCtx, cancelPacer := context.WithCancel(runCtx)
	flt := pacing.New(m.cfg.Pacing, func(ctx context.Context, data []byte) error {
		return w.Write(ctx, data)
	})
	pacerDone := make(chan error, 1)
	go func() { pacerDone <- flt.Run(pacerCtx) }()

	err := p.Run(gen.Context(), input, &emitter{gen: gen, flt: flt})

	aborted := gen.Aborted()
	flt.Close()
	if aborted {
		// Hard abort drops the backlog; nothing further should render.
		cancelPacer()
	}
	perr := <-pacerDone
	cancelPacer()
	if perr != nil && !errors.Is(perr, context.Canceled) {
		log.Warn("session.pacer.fail", slog.String("err", perr.Error()))
	}

	// The heartbeat stops before the terminal entry is written. Once the epoch
	// terminates a successor may begin immediately, and a renewal landing after
	// that would clobber the successor's lease token.
	cancelRun()
	<-hbDone
	unsub()

	// Wind-down work uses a fresh context: the generation context is usually
	// already canceled by the time we get here on the abort path.
	cctx, cancelC := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelC()

	// Synthetic results for calls the generation left pending. Written after
	// the pacer stopped so they cannot interleave with paced output.
	for _, callID := range gen.CloseOut() {
		ev := Event{
			Kind:    EventCallResult,
			CallID:  callID,
			Result:  turn.ErrAbortedByCancellation.Error(),
			Aborted: true,
		}
		data, eerr := ev.Encode()
		if eerr == nil {
			eerr = w.Write(cctx, data)
		}
		if eerr != nil {
			log.Warn("session.synthetic_result.fail",
				slog.String("call_id", callID),
				slog.String("err", eerr.Error()))
		}
	}

	switch {
	case err != nil && !aborted && !errors.Is(err, context.Canceled):
		// Producer-side failure terminates the epoch distinctly from finish
		// but leaves lease and registry clean for future generations.
		if terr := w.Fail(cctx, err); terr != nil {
			log.Warn("session.writer.fail_error", slog.String("err", terr.Error()))
		}
		log.Error("session.producer.fail", slog.String("err", err.Error()))
	default:
		if terr := w.Finish(cctx); terr != nil {
			log.Warn("session.writer.finish_error", slog.String("err", terr.Error()))
		}
	}

	// Owner-fenced release: if a successor generation re-acquired the lease
	// under its own epoch token, this release is a no-op.
	if rerr := m.leases.Release(cctx, sessionID, w.EpochID()); rerr != nil {
		log.Warn("session.lease.release_fail", slog.String("err", rerr.Error()))
	}

	// Drop process-local tracking once the generation is over, unless a
	// successor already took the controller over.
	m.mu.Lock()
	if m.controllers[sessionID] == ctrl && ctrl.State() == turn.Finished {
		delete(m.controllers, sessionID)
	}
	delete(m.lastAttach, sessionID)
	m.mu.Unlock()

	log.Info("session.finish", slog.Bool("aborted", aborted))
}

// Attach returns a reader over the session's durable stream, positioned at
// the start of the current epoch. Duplicate attaches within the debounce
// window return ErrDebounced; an unknown session returns stream.ErrNotFound.
func (m *Manager) Attach(ctx context.Context, sessionID string) (stream.Reader, error) {
	if d := m.cfg.AttachDebounce; d > 0 {
		m.mu.Lock()
		// Stamps older than the window are dead weight; prune them while the
		// map is in hand so it stays bounded by recent attach activity.
		for id, last := range m.lastAttach {
			if time.Since(last) >= d {
				delete(m.lastAttach, id)
			}
		}
		if last, ok := m.lastAttach[sessionID]; ok && time.Since(last) < d {
			m.mu.Unlock()
			return nil, ErrDebounced
		}
		m.lastAttach[sessionID] = time.Now()
		m.mu.Unlock()
	}
	return m.streams.AttachReader(ctx, sessionID)
}

// Stop requests cancellation of sessionID's current generation and deletes
// its lease. It always succeeds and never waits for the writer to halt:
// callers needing confirmation watch the stream terminate or the lease
// disappear.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	sig := bus.Signal{SessionID: sessionID, Type: bus.SignalAbort}
	if err := m.signals.Publish(ctx, sessionID, sig); err != nil {
		// Lost signals are not escalated; lease expiry is the backstop.
		m.log.WarnContext(ctx, "session.stop.publish_fail",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
	}
	// Forced release: the caller is canceling the session as a whole, not a
	// particular generation, so no owner token applies.
	if err := m.leases.Release(ctx, sessionID, ""); err != nil {
		m.log.WarnContext(ctx, "session.stop.release_fail",
			slog.String("session_id", sessionID),
			slog.String("err", err.Error()))
	}
	return nil
}

// State reports the session's liveness and, when this process hosts it, the
// current generation number.
func (m *Manager) State(ctx context.Context, sessionID string) (Status, error) {
	live, err := m.leases.IsLive(ctx, sessionID)
	if err != nil {
		return Status{}, fmt.Errorf("state %s: %w", sessionID, err)
	}
	st := Status{Running: live}
	m.mu.Lock()
	if c, ok := m.controllers[sessionID]; ok {
		st.Generation = c.Generation()
	}
	m.mu.Unlock()
	return st, nil
}

// emitter bridges a producer to the pacing filter and the generation
// controller.
type emitter struct {
	gen *turn.Generation
	flt *pacing.Filter
}

func (e *emitter) EmitText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.gen.Stopped() {
		return ErrStopped
	}
	data, err := (Event{Kind: EventText, Text: text}).Encode()
	if err != nil {
		return err
	}
	e.flt.Ingest(data, pacing.UnitsIn(text))
	return nil
}

func (e *emitter) BeginCall(ctx context.Context, callID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.gen.Stopped() {
		return ErrStopped
	}
	e.gen.RegisterCall(callID)
	data, err := (Event{Kind: EventCall, CallID: callID}).Encode()
	if err != nil {
		return err
	}
	e.flt.Ingest(data, 0)
	return nil
}

func (e *emitter) EndCall(ctx context.Context, callID, result string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.gen.Stopped() {
		return ErrStopped
	}
	e.gen.ResolveCall(callID)
	data, err := (Event{Kind: EventCallResult, CallID: callID, Result: result}).Encode()
	if err != nil {
		return err
	}
	e.flt.Ingest(data, 0)
	return nil
}

var _ Emitter = (*emitter)(nil)
