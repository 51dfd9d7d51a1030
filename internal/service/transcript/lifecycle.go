package transcript

import (
	"errors"
	"fmt"
)

// State represents the lifecycle state of one utterance span (one offset).
type State int

const (
	// StatePartial - The recognizer may still revise this span.
	StatePartial State = iota
	// StateFinalized - The recognizer committed this span. Terminal.
	StateFinalized
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StatePartial:
		return "PARTIAL"
	case StateFinalized:
		return "FINALIZED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// IsTerminal returns true if no further revision is accepted.
func (s State) IsTerminal() bool {
	return s == StateFinalized
}

// Errors for rejected events.
var (
	ErrMalformedEvent   = errors.New("transcript event has no offset")
	ErrAlreadyFinalized = errors.New("offset already finalized")
)

// Lifecycle tracks the state machine for a single offset.
// Not safe for concurrent use; the Reconciler guards it.
//
// State transitions:
//
//	PARTIAL ──Revise()──→ PARTIAL
//	   │
//	   └──Finalize()──→ FINALIZED (once)
//
// Rules:
//   - PARTIAL: revisions replace the visible partial in place, one finalization allowed
//   - FINALIZED: every further event for the offset is rejected
type Lifecycle struct {
	offset    int64
	state     State
	revisions int
}

// NewLifecycle creates a lifecycle in PARTIAL state.
func NewLifecycle(offset int64) *Lifecycle {
	return &Lifecycle{offset: offset, state: StatePartial}
}

// Offset returns the offset this lifecycle tracks.
func (l *Lifecycle) Offset() int64 {
	return l.offset
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return l.state
}

// Revisions returns how many partial revisions were accepted.
func (l *Lifecycle) Revisions() int {
	return l.revisions
}

// Revise validates a partial revision.
func (l *Lifecycle) Revise() error {
	switch l.state {
	case StatePartial:
		l.revisions++
		return nil
	case StateFinalized:
		return ErrAlreadyFinalized
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}

// Finalize validates and transitions to FINALIZED.
func (l *Lifecycle) Finalize() error {
	switch l.state {
	case StatePartial:
		l.state = StateFinalized
		return nil
	case StateFinalized:
		return ErrAlreadyFinalized
	default:
		return fmt.Errorf("unexpected state: %v", l.state)
	}
}
