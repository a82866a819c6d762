// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package message

import "sync/atomic"

// State is a message's instrumentation-visible lifecycle phase.
type State int32

const (
	// Batching: held open in a per-topic batch, not yet sent.
	Batching State = iota
	// SendWait: in a built request, waiting for the connector to flush it.
	SendWait
	// AckWait: request sent, waiting on the broker's produce response.
	AckWait
	// Processed: a terminal state reached by ack_ok or duplicate-logged-ack_ok.
	Processed
)

func (s State) String() string {
	switch s {
	case Batching:
		return "batching"
	case SendWait:
		return "send_wait"
	case AckWait:
		return "ack_wait"
	case Processed:
		return "processed"
	default:
		return "unknown"
	}
}

// Tracker observes a single message's lifecycle transitions.
//
// Single-writer per message: only the component that currently owns the
// message may advance it.
type Tracker struct {
	state atomic.Int32
}

// Advance sets the tracker's state. Safe to call from the single
// goroutine that currently owns the message; reads from other
// goroutines (e.g. instrumentation) always see a consistent value.
func (t *Tracker) Advance(s State) {
	t.state.Store(int32(s))
}

// State returns the message's current instrumentation state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}
