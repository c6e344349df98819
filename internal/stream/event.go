package stream

import (
	"encoding/json"
	"fmt"

	"github.com/finside/chatloop/internal/timeline"
)

// EventKind discriminates the closed set of stream event variants.
type EventKind string

const (
	// EventToken carries an incremental assistant text delta.
	EventToken EventKind = "token"
	// EventToolActivity carries a tool progress record for the timeline.
	EventToolActivity EventKind = "tool_activity"
	// EventInterrupt signals a human-in-the-loop pause; terminal for the
	// underlying connection, resolved by a resume call.
	EventInterrupt EventKind = "interrupt"
	// EventError is a terminal failure frame.
	EventError EventKind = "error"
	// EventDone marks successful run completion.
	EventDone EventKind = "done"
	// EventLongProcessing is a non-terminal watchdog signal emitted when no
	// frame has arrived within the configured interval.
	EventLongProcessing EventKind = "long_processing"
)

// Event is a single decoded stream frame. Exactly one payload field is set,
// according to Kind.
type Event struct {
	Kind      EventKind
	RunID     string
	Text      string
	Activity  *timeline.Activity
	Interrupt *Interrupt
	Err       *Error
}

// Terminal reports whether this event ends the stream connection.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventDone, EventError, EventInterrupt:
		return true
	}
	return false
}

// Interrupt is a backend-initiated pause attached to a run. Value is opaque
// to this layer; it may encode a structured confirmation request such as a
// trade ticket.
type Interrupt struct {
	Value     json.RawMessage `json:"value"`
	RunID     string          `json:"run_id"`
	Resumable bool            `json:"resumable"`
}

// ErrorKind classifies stream failures for retry policy.
type ErrorKind string

const (
	// ErrTransient covers dropped connections and refused connects;
	// recoverable via the retry orchestrator.
	ErrTransient ErrorKind = "transient"
	// ErrProtocol covers malformed or unexpected frames; treated like
	// transient for retry purposes.
	ErrProtocol ErrorKind = "protocol"
	// ErrAuth covers authorization failures; never retryable.
	ErrAuth ErrorKind = "auth"
)

// Error is a typed stream failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream %s error: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure qualifies for a user-confirmable
// retry.
func (e *Error) Retryable() bool {
	return e.Kind != ErrAuth
}
