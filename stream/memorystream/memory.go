// Package memorystream provides an in-memory implementation of
// stream.Registry. Each session holds the buffered chunks of its current write
// epoch; readers iterate with their own cursors and block on a broadcast
// channel that is replaced on every append. A background sweep evicts epochs
// that finished longer ago than the retention window, so abandoned buffers do
// not rely on ambient memory pressure for cleanup.
package memorystream

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xifanezz/turnstream-go/stream"
)

const (
	defaultRetention     = 5 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// Registry implements stream.Registry in process memory.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*epoch

	retention     time.Duration
	sweepInterval time.Duration

	stopSweep chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Option configures the Registry.
type Option func(*Registry)

// WithRetention sets how long a terminated epoch remains readable before the
// sweep evicts it.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) { r.retention = d }
}

// WithSweepInterval sets how often the eviction sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// New creates a registry and starts its eviction sweep. Call Close to stop it.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions:      make(map[string]*epoch),
		retention:     defaultRetention,
		sweepInterval: defaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.sweep()
	return r
}

// Close stops the eviction sweep. Streams remain usable.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.stopSweep)
		<-r.sweepDone
	})
	return nil
}

func (r *Registry) sweep() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.retention)
			r.mu.Lock()
			for id, e := range r.sessions {
				e.mu.Lock()
				evict := e.terminal && !e.writerOpen && e.finishedAt.Before(cutoff)
				e.mu.Unlock()
				if evict {
					delete(r.sessions, id)
				}
			}
			r.mu.Unlock()
		}
	}
}

// epoch is one write epoch's buffer plus its terminal state. wake is closed
// and replaced on every mutation so blocked readers observe appends promptly.
type epoch struct {
	mu         sync.Mutex
	id         string
	chunks     []stream.Chunk
	seq        int64
	terminal   bool
	failure    *stream.ProducerError
	writerOpen bool
	finishedAt time.Time
	wake       chan struct{}
}

func (e *epoch) broadcastLocked() {
	close(e.wake)
	e.wake = make(chan struct{})
}

func (r *Registry) CreateWriter(ctx context.Context, sessionID string) (stream.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[sessionID]; ok {
		prev.mu.Lock()
		open := prev.writerOpen
		prev.mu.Unlock()
		if open {
			return nil, stream.ErrAlreadyWriting
		}
	}

	e := &epoch{
		id:         uuid.NewString(),
		writerOpen: true,
		wake:       make(chan struct{}),
	}
	r.sessions[sessionID] = e
	return &writer{e: e}, nil
}

func (r *Registry) AttachReader(ctx context.Context, sessionID string) (stream.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, stream.ErrNotFound
	}
	return &reader{e: e}, nil
}

func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if ok {
		e.mu.Lock()
		if !e.terminal {
			e.terminal = true
			e.writerOpen = false
			e.finishedAt = time.Now()
			e.broadcastLocked()
		}
		e.mu.Unlock()
	}
	return nil
}

type writer struct {
	e *epoch
}

func (w *writer) EpochID() string { return w.e.id }

func (w *writer) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := w.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return stream.ErrWriterClosed
	}
	e.seq++
	e.chunks = append(e.chunks, stream.Chunk{
		ID:   strconv.FormatInt(e.seq, 10),
		Data: append([]byte(nil), data...),
	})
	e.broadcastLocked()
	return nil
}

func (w *writer) Finish(ctx context.Context) error {
	return w.terminate(ctx, nil)
}

func (w *writer) Fail(ctx context.Context, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return w.terminate(ctx, &stream.ProducerError{Msg: msg})
}

func (w *writer) terminate(ctx context.Context, failure *stream.ProducerError) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := w.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.terminal {
		return stream.ErrWriterClosed
	}
	e.terminal = true
	e.failure = failure
	e.writerOpen = false
	e.finishedAt = time.Now()
	e.broadcastLocked()
	return nil
}

type reader struct {
	e      *epoch
	cursor int
	closed bool
	mu     sync.Mutex
}

func (r *reader) Next(ctx context.Context) (stream.Chunk, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return stream.Chunk{}, io.EOF
	}
	r.mu.Unlock()

	e := r.e
	for {
		e.mu.Lock()
		if r.cursor < len(e.chunks) {
			c := e.chunks[r.cursor]
			r.cursor++
			e.mu.Unlock()
			return c, nil
		}
		if e.terminal {
			failure := e.failure
			e.mu.Unlock()
			if failure != nil {
				return stream.Chunk{}, failure
			}
			return stream.Chunk{}, io.EOF
		}
		wake := e.wake
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return stream.Chunk{}, ctx.Err()
		case <-wake:
		}
	}
}

func (r *reader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

var (
	_ stream.Registry = (*Registry)(nil)
	_ stream.Writer   = (*writer)(nil)
	_ stream.Reader   = (*reader)(nil)
)
