// Package bus defines the fire-and-forget control-signal channel used to reach
// whichever process currently owns a session's execution. Delivery is
// at-least-once to currently-subscribed handlers and signals are not
// persisted: a signal published while nobody is subscribed is lost. That is
// acceptable because cancellation is layered on top of the lease — a cancel
// that arrives too early or too late simply leaves the lease to expire
// naturally.
package bus

import "context"

// SignalType discriminates control signals.
type SignalType string

// SignalAbort requests best-effort interruption of the session's current
// generation.
const SignalAbort SignalType = "abort"

// Signal is a control message broadcast for a session. It has no persistent
// identity.
type Signal struct {
	SessionID string     `json:"sessionId"`
	Type      SignalType `json:"type"`
}

// HandlerFunc receives signals for a subscription. Handlers may be invoked
// concurrently with one another and must not block for long.
type HandlerFunc func(ctx context.Context, sig Signal)

// Bus is the publish/subscribe contract. Every currently-subscribed handler
// for a session must receive every signal published for it.
type Bus interface {
	// Publish broadcasts sig to all current subscribers of sessionID. It does
	// not fail when nobody is listening.
	Publish(ctx context.Context, sessionID string, sig Signal) error

	// Subscribe registers handler for signals published to sessionID. The
	// subscription is active before Subscribe returns. The returned function
	// removes the subscription and is safe to call more than once.
	Subscribe(ctx context.Context, sessionID string, handler HandlerFunc) (unsubscribe func(), err error)
}

// ChannelKey returns the pub/sub channel name for a session. Backends with
// named channels (e.g. Redis) use this layout.
func ChannelKey(sessionID string) string {
	return "events:" + sessionID
}
