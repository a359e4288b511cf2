package session

import (
	"context"
	"errors"
)

// ErrStopped is returned by Emitter methods once the generation is winding
// down. The producer should stop issuing new work and return promptly.
var ErrStopped = errors.New("session: generation is winding down")

// Emitter is the surface a Producer emits through. Emitted text flows through
// the pacing filter before reaching the durable stream; call bookkeeping also
// feeds the cancellation controller so calls left pending at cancel receive
// synthetic results.
type Emitter interface {
	// EmitText forwards an incremental chunk of output.
	EmitText(ctx context.Context, text string) error
	// BeginCall records that the producer issued the side-effecting call
	// callID and streams the corresponding event.
	BeginCall(ctx context.Context, callID string) error
	// EndCall records the real result for a previously issued call.
	EndCall(ctx context.Context, callID, result string) error
}

// Producer is the generative computation, supplied by the caller. It always
// starts fresh: only the stream is resumable, never the computation. The ctx
// passed to Run is canceled on hard abort and must be polled cooperatively at
// every suspension point, at minimum once per emitted unit of work.
type Producer interface {
	Run(ctx context.Context, input string, em Emitter) error
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(ctx context.Context, input string, em Emitter) error

func (f ProducerFunc) Run(ctx context.Context, input string, em Emitter) error {
	return f(ctx, input, em)
}
