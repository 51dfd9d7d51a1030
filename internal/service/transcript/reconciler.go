package transcript

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"call-assist-agent/internal/observability/logging"
	"call-assist-agent/internal/observability/metrics"
)

// Reconciler merges recognition events into an ordered transcript log.
// Thread-safe for concurrent access; events are processed strictly in call order.
//
// Matching is by offset, never by text: recognizers revise wording across partials,
// so text equality both misses replacements and collapses unrelated utterances.
// Display order is finalization-append order and is not re-sorted by offset.
type Reconciler struct {
	mu      sync.Mutex
	callID  string
	ids     *IDGenerator
	entries []Entry
	spans   map[int64]*Lifecycle
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewReconciler creates an empty reconciler for callID.
func NewReconciler(callID string) *Reconciler {
	return NewReconcilerWithMetrics(callID, metrics.DefaultMetrics)
}

// NewReconcilerWithMetrics creates an empty reconciler recording into m.
func NewReconcilerWithMetrics(callID string, m *metrics.Metrics) *Reconciler {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	return &Reconciler{
		callID:  callID,
		ids:     NewIDGenerator(),
		spans:   make(map[int64]*Lifecycle),
		logger:  logging.WithCall("reconciler", callID),
		metrics: m,
	}
}

// Apply processes one event and returns the resulting ordered log.
// Malformed events and events for finalized offsets are dropped; the log is left intact.
func (r *Reconciler) Apply(ev Event) ([]Entry, Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome, err := r.applyLocked(ev)
	if err != nil {
		reason := "finalized"
		if errors.Is(err, ErrMalformedEvent) {
			reason = "malformed"
		}
		r.metrics.RecordTranscriptRejected(reason)
		r.logger.Warn().
			Err(err).
			Int64("offset", ev.Offset).
			Bool("isFinalized", ev.IsFinalized).
			Msg("Transcript event dropped")
	}
	return r.snapshotLocked(), outcome
}

func (r *Reconciler) applyLocked(ev Event) (Outcome, error) {
	if ev.Offset < 0 {
		return OutcomeRejected, ErrMalformedEvent
	}

	span := r.spans[ev.Offset]

	if !ev.IsFinalized {
		if span != nil {
			if err := span.Revise(); err != nil {
				return OutcomeRejected, err
			}
			if i := r.partialIndexLocked(ev.Offset); i >= 0 {
				r.entries[i].Text = ev.Text
				r.entries[i].Speaker = ev.Speaker
				r.metrics.RecordPartialTranscript()
				return OutcomeReplaced, nil
			}
		}
		r.spans[ev.Offset] = NewLifecycle(ev.Offset)
		r.entries = append(r.entries, Entry{
			ID:      r.ids.Next(r.callID),
			Text:    ev.Text,
			Speaker: ev.Speaker,
			Offset:  ev.Offset,
		})
		r.metrics.RecordPartialTranscript()
		return OutcomeAppended, nil
	}

	if span == nil {
		span = NewLifecycle(ev.Offset)
		r.spans[ev.Offset] = span
	}
	if err := span.Finalize(); err != nil {
		return OutcomeRejected, err
	}
	if i := r.partialIndexLocked(ev.Offset); i >= 0 {
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
	}

	timestamp := ev.Timestamp
	if timestamp == "" {
		timestamp = FormatOffset(ev.Offset)
	}
	r.entries = append(r.entries, Entry{
		ID:          r.ids.Next(r.callID),
		Text:        ev.Text,
		Speaker:     ev.Speaker,
		Offset:      ev.Offset,
		IsFinalized: true,
		Timestamp:   timestamp,
	})
	r.metrics.RecordFinalTranscript()
	return OutcomeFinalized, nil
}

// partialIndexLocked finds the non-finalized entry for offset, searching newest first.
func (r *Reconciler) partialIndexLocked(offset int64) int {
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Offset == offset && !r.entries[i].IsFinalized {
			return i
		}
	}
	return -1
}

func (r *Reconciler) snapshotLocked() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Log returns a copy of the ordered transcript log.
func (r *Reconciler) Log() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of entries in the log.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SpanState returns the lifecycle state of offset, if it has been seen.
func (r *Reconciler) SpanState(offset int64) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span, ok := r.spans[offset]
	if !ok {
		return StatePartial, false
	}
	return span.State(), true
}

// Reset clears the log and starts a new call. Entry IDs stay monotonic across calls.
func (r *Reconciler) Reset(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callID = callID
	r.entries = nil
	r.spans = make(map[int64]*Lifecycle)
	r.logger = logging.WithCall("reconciler", callID)
}
