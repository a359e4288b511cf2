// Package stream defines the durable stream registry: an append-only,
// replayable, multi-reader record of a session's output. Exactly one writer
// may append per session at a time; any number of readers may attach or
// reattach and each observes the full buffered history of the current write
// epoch followed by live chunks, ending in a terminal sentinel.
package stream

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyWriting is returned by CreateWriter when a live writer exists
	// for the session. The caller should attach to the existing stream rather
	// than retry creation.
	ErrAlreadyWriting = errors.New("stream: a live writer already exists for this session")

	// ErrNotFound is returned by AttachReader when no stream is known for the
	// session. Callers treat it as "nothing to resume".
	ErrNotFound = errors.New("stream: no stream for this session")

	// ErrWriterClosed is returned by Write, Finish and Fail after the writer
	// reached a terminal state. It indicates a programming error in the caller.
	ErrWriterClosed = errors.New("stream: writer is closed")
)

// ProducerError is the terminal sentinel a reader observes when the writer
// ended the epoch with Fail. It is distinct from the normal end of stream,
// which readers observe as io.EOF.
type ProducerError struct {
	Msg string
}

func (e *ProducerError) Error() string {
	return "stream: producer failed: " + e.Msg
}

// Chunk is one record of a session's output stream. IDs are unique and
// monotonically increasing within an epoch; payloads are opaque to the
// registry.
type Chunk struct {
	ID   string
	Data []byte
}

// Registry maps session ids to durable streams.
type Registry interface {
	// CreateWriter begins a new write epoch for sessionID, replacing any
	// previous (terminated) epoch. It fails with ErrAlreadyWriting when a live
	// writer exists; the registry, not the lease, is the source of truth for
	// who may append.
	CreateWriter(ctx context.Context, sessionID string) (Writer, error)

	// AttachReader returns a reader positioned at the beginning of the current
	// epoch's buffered history, or ErrNotFound when the session has no stream.
	// Attaching after the epoch terminated still succeeds and replays the full
	// history before the terminal sentinel.
	AttachReader(ctx context.Context, sessionID string) (Reader, error)

	// Delete evicts the session's stream immediately. Attached readers observe
	// the stream as terminated.
	Delete(ctx context.Context, sessionID string) error
}

// Writer is the single producer handle for an epoch. Finish and Fail are
// terminal; any call after them returns ErrWriterClosed.
type Writer interface {
	// EpochID identifies this write epoch. A reader can use it to distinguish
	// a replay of a fresh epoch from a resume of the one it was following.
	EpochID() string

	Write(ctx context.Context, data []byte) error
	Finish(ctx context.Context) error
	Fail(ctx context.Context, cause error) error
}

// Reader consumes a session's stream. Next blocks until a chunk is available
// or the stream terminates: io.EOF signals a normal finish, *ProducerError a
// failed epoch. Readers are independent; each holds its own cursor.
type Reader interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}
