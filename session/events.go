package session

import (
	"encoding/json"
	"fmt"
)

// EventKind discriminates the records a producer emits onto a session's
// durable stream.
type EventKind string

const (
	// EventText is an incremental chunk of model output.
	EventText EventKind = "text"
	// EventCall marks a side-effecting call being issued.
	EventCall EventKind = "call"
	// EventCallResult carries the outcome of an issued call. Aborted results
	// are synthesized when a generation is canceled before the call resolved.
	EventCallResult EventKind = "call_result"
)

// Event is the unit stored in the durable stream and replayed to readers.
// Payloads are JSON so readers in other processes can decode them without
// sharing this package.
type Event struct {
	Kind    EventKind `json:"kind"`
	Text    string    `json:"text,omitempty"`
	CallID  string    `json:"callId,omitempty"`
	Result  string    `json:"result,omitempty"`
	Aborted bool      `json:"aborted,omitempty"`
}

// Encode serializes the event for stream storage.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return data, nil
}

// DecodeEvent parses an event from its stream representation.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return e, nil
}
