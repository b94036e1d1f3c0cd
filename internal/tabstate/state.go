package tabstate

import (
	"fmt"
	"time"
)

// State is a tab's connection state.
type State string

const (
	StateIdle       State = "IDLE"
	StateConnecting State = "CONNECTING"
	StateConnected  State = "CONNECTED"
	StateFailed     State = "FAILED"
)

// validTransitions lists the allowed moves. CONNECTING never re-enters
// itself, so at most one attempt per tab is in flight. CONNECTED goes back to
// CONNECTING when a reconnect sequence takes over.
var validTransitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateConnected, StateFailed},
	StateConnected:  {StateConnecting, StateFailed},
	StateFailed:     {StateConnecting},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a transition is not allowed from
// the tab's current state.
type InvalidTransitionError struct {
	TabID string
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("tab %s: invalid transition %s -> %s", e.TabID, e.From, e.To)
}

// transitionBufferSize is the number of transitions kept per tab.
const transitionBufferSize = 50

// Transition is one entry of a tab's state history.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// transitionRing is a fixed-size ring buffer of transitions.
type transitionRing struct {
	entries [transitionBufferSize]Transition
	head    int
	count   int
}

func (r *transitionRing) record(t Transition) {
	r.entries[r.head] = t
	r.head = (r.head + 1) % transitionBufferSize
	if r.count < transitionBufferSize {
		r.count++
	}
}

// history returns transitions oldest first.
func (r *transitionRing) history() []Transition {
	if r.count == 0 {
		return nil
	}
	out := make([]Transition, r.count)
	if r.count < transitionBufferSize {
		copy(out, r.entries[:r.count])
	} else {
		n := copy(out, r.entries[r.head:])
		copy(out[n:], r.entries[:r.head])
	}
	return out
}
