// Package transcript reconciles partial and final recognition results into an
// ordered, deduplicated transcript log keyed by stream offset.
package transcript

import (
	"fmt"
	"time"
)

// NoOffset marks an event whose offset was absent on the wire.
const NoOffset int64 = -1

// TickDuration is the length of one offset tick (100 ns).
const TickDuration = 100 * time.Nanosecond

// Event is one recognition update for an utterance span.
type Event struct {
	Text        string
	Speaker     string
	Offset      int64
	IsFinalized bool
	// Timestamp is optional; remote-confirmed entries may carry their own display value.
	Timestamp string
}

// Entry is one line of the reconciled transcript.
type Entry struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Speaker     string `json:"speaker,omitempty"`
	Offset      int64  `json:"offset"`
	IsFinalized bool   `json:"is_finalized"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Outcome describes what Apply did with an event.
type Outcome int

const (
	OutcomeRejected Outcome = iota
	OutcomeAppended
	OutcomeReplaced
	OutcomeFinalized
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeRejected:
		return "rejected"
	case OutcomeAppended:
		return "appended"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("unknown(%d)", int(o))
	}
}

// Accepted reports whether the event changed the log.
func (o Outcome) Accepted() bool {
	return o != OutcomeRejected
}

// OffsetDuration converts offset ticks to a duration.
func OffsetDuration(offset int64) time.Duration {
	if offset <= 0 {
		return 0
	}
	return time.Duration(offset) * TickDuration
}

// FormatOffset renders an offset as mm:ss, or h:mm:ss past the first hour.
func FormatOffset(offset int64) string {
	d := OffsetDuration(offset)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
