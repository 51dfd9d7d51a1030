package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"call-assist-agent/internal/api/duplex"
	"call-assist-agent/internal/models"
	"call-assist-agent/internal/observability/logging"
	"call-assist-agent/internal/observability/metrics"
	"call-assist-agent/internal/schema"
	"call-assist-agent/internal/service/audio"
	"call-assist-agent/internal/service/recognition"
	"call-assist-agent/internal/service/transcript"
)

// ErrNoRecognizer is returned by listening operations before a recognizer is attached.
var ErrNoRecognizer = errors.New("no recognizer attached")

// Recognizer is the recognition session the controller drives.
type Recognizer interface {
	Listen(ctx context.Context) error
	Stop() error
	State() recognition.State
}

// Sender is the outbound side of the backend channel.
type Sender interface {
	Send(v any) bool
	IsConnected() bool
}

// Mirror receives every accepted transcript update.
type Mirror interface {
	PublishEntry(ctx context.Context, callID string, e transcript.Entry) error
}

// Config configures a Controller.
type Config struct {
	Source        SourceMode
	MirrorTimeout time.Duration
	NewCallID     func() string
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Source:        SourceLocal,
		MirrorTimeout: 2 * time.Second,
		NewCallID:     uuid.NewString,
	}
}

// Controller owns one agent's session state and call lifecycle.
//
// All state mutations happen under one mutex and each produces one snapshot.
// Snapshots reach subscribers in mutation order on a single notifier
// goroutine, never while any component lock is held.
type Controller struct {
	config     Config
	sender     Sender
	reconciler *transcript.Reconciler
	validator  *schema.Validator
	mirror     Mirror
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	recMu      sync.Mutex
	recognizer Recognizer

	mu          sync.Mutex
	state       State
	callStarted time.Time
	subscribers []func(State)
	queue       []State
	draining    bool
	idle        *sync.Cond
}

// NewController creates a controller with no call active. A recognizer is
// attached separately because the recognition session reports back to the
// controller.
func NewController(cfg Config, sender Sender, validator *schema.Validator, mirror Mirror, m *metrics.Metrics) *Controller {
	def := DefaultConfig()
	if cfg.NewCallID == nil {
		cfg.NewCallID = def.NewCallID
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = def.MirrorTimeout
	}
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if validator == nil {
		validator = schema.MustNew()
	}

	callID := cfg.NewCallID()
	c := &Controller{
		config:     cfg,
		sender:     sender,
		reconciler: transcript.NewReconcilerWithMetrics(callID, m),
		validator:  validator,
		mirror:     mirror,
		logger:     logging.WithComponent("session").With().Str("transcriptSource", cfg.Source.String()).Logger(),
		metrics:    m,
	}
	c.idle = sync.NewCond(&c.mu)
	c.state.CallID = callID
	c.state.RecognitionState = recognition.StateIdle.String()
	if sender != nil {
		c.state.IsConnected = sender.IsConnected()
	}
	return c
}

// AttachRecognizer sets the recognition session used for listening.
func (c *Controller) AttachRecognizer(r Recognizer) {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	c.recognizer = r
}

func (c *Controller) getRecognizer() Recognizer {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return c.recognizer
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Subscribe registers fn to receive a snapshot after every state change.
func (c *Controller) Subscribe(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// StartCall resets all state, marks a new call active and begins listening.
// A listening failure is reported in LastError and returned; the call stays active.
func (c *Controller) StartCall(ctx context.Context) error {
	rec := c.getRecognizer()
	if rec != nil && rec.State() != recognition.StateIdle {
		c.stopRecognizer(rec)
	}

	c.mu.Lock()
	callID := c.resetLocked(true)
	c.state.CallActive = true
	c.state.EvaluationPending = false
	c.callStarted = time.Now()
	c.unlockAndNotify()

	c.metrics.RecordCallStart()
	c.logger.Info().Str("callId", callID).Msg("Call started")

	if rec == nil {
		return ErrNoRecognizer
	}
	return rec.Listen(ctx)
}

// EndCall stops listening, asks the backend for the post-call evaluation and
// marks the call inactive. Audio is released even if the engine stop fails.
func (c *Controller) EndCall() error {
	var stopErr error
	if rec := c.getRecognizer(); rec != nil {
		stopErr = c.stopRecognizer(rec)
	}

	if c.sender != nil && !c.sender.Send(models.NewEndCall()) {
		c.logger.Warn().Msg("End of call not delivered; backend not connected")
	}

	c.mu.Lock()
	callID := c.state.CallID
	wasActive := c.state.CallActive
	started := c.callStarted
	c.state.CallActive = false
	c.state.IsListening = false
	c.state.EvaluationPending = true
	c.unlockAndNotify()

	if wasActive {
		d := time.Since(started)
		c.metrics.RecordCallEnd(d.Seconds())
		c.logger.Info().Str("callId", callID).Dur("duration", d).Msg("Call ended")
	}
	return stopErr
}

// NewCall discards the finished call and returns to the ready state.
func (c *Controller) NewCall() {
	if rec := c.getRecognizer(); rec != nil && rec.State() != recognition.StateIdle {
		c.stopRecognizer(rec)
	}

	c.mu.Lock()
	callID := c.resetLocked(true)
	c.state.CallActive = false
	c.state.EvaluationPending = false
	c.unlockAndNotify()

	c.logger.Info().Str("callId", callID).Msg("Ready for new call")
}

// ResetState clears every projection and the transcript log as one change.
// Observers never see a partially cleared state.
func (c *Controller) ResetState() {
	c.mu.Lock()
	c.resetLocked(false)
	c.unlockAndNotify()
}

// resetLocked clears projections and the log, optionally rotating the call ID.
func (c *Controller) resetLocked(newCall bool) string {
	if newCall {
		c.state.CallID = c.config.NewCallID()
	}
	c.state.clearProjections()
	c.reconciler.Reset(c.state.CallID)
	return c.state.CallID
}

// ToggleListening mutes or unmutes recognition mid-call.
func (c *Controller) ToggleListening(ctx context.Context) error {
	rec := c.getRecognizer()
	if rec == nil {
		return ErrNoRecognizer
	}
	if rec.State() == recognition.StateIdle {
		return rec.Listen(ctx)
	}
	return c.stopRecognizer(rec)
}

func (c *Controller) stopRecognizer(rec Recognizer) error {
	err := rec.Stop()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Recognizer stop reported an error; audio released")
	}
	return err
}

// OnRecognition implements recognition.Listener.
func (c *Controller) OnRecognition(ev transcript.Event) {
	update := models.TranscriptUpdate{
		Text:        ev.Text,
		IsFinalized: ev.IsFinalized,
		Speaker:     ev.Speaker,
		Offset:      ev.Offset,
	}

	if c.config.Source == SourceRemote {
		c.forward(update)
		return
	}

	changed, callID, ok := c.applyTranscript(ev)
	if !ok {
		return
	}
	c.forward(update)
	c.mirrorEntry(callID, changed)
}

// OnRecognitionError implements recognition.Listener.
func (c *Controller) OnRecognitionError(err error) {
	c.mu.Lock()
	c.state.LastError = describeError(err)
	c.unlockAndNotify()
}

// OnRecognitionState implements recognition.Listener.
func (c *Controller) OnRecognitionState(st recognition.State) {
	c.mu.Lock()
	c.state.RecognitionState = st.String()
	c.state.IsListening = st == recognition.StateListening
	c.unlockAndNotify()
}

// OnConnectionState tracks the backend channel state.
func (c *Controller) OnConnectionState(st duplex.State) {
	c.mu.Lock()
	connected := st == duplex.StateOpen
	if c.state.IsConnected == connected {
		c.mu.Unlock()
		return
	}
	c.state.IsConnected = connected
	c.unlockAndNotify()
}

// applyTranscript runs ev through the reconciler and stores the new log.
// It returns the entry the event produced or updated.
func (c *Controller) applyTranscript(ev transcript.Event) (transcript.Entry, string, bool) {
	c.mu.Lock()
	entries, outcome := c.reconciler.Apply(ev)
	if !outcome.Accepted() {
		c.mu.Unlock()
		return transcript.Entry{}, "", false
	}
	c.state.Transcript = entries
	callID := c.state.CallID
	changed := changedEntry(entries, outcome, ev.Offset)
	c.unlockAndNotify()
	return changed, callID, true
}

func changedEntry(entries []transcript.Entry, outcome transcript.Outcome, offset int64) transcript.Entry {
	if outcome == transcript.OutcomeReplaced {
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Offset == offset && !entries[i].IsFinalized {
				return entries[i]
			}
		}
	}
	return entries[len(entries)-1]
}

func (c *Controller) forward(update models.TranscriptUpdate) {
	if c.sender == nil {
		return
	}
	c.sender.Send(update)
}

func (c *Controller) mirrorEntry(callID string, e transcript.Entry) {
	if c.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.MirrorTimeout)
	defer cancel()
	if err := c.mirror.PublishEntry(ctx, callID, e); err != nil {
		c.logger.Warn().Err(err).Str("entryId", e.ID).Msg("Failed to mirror transcript entry")
	}
}

// unlockAndNotify queues a snapshot of the state and releases c.mu. It must
// be called with c.mu held, exactly once per mutation.
func (c *Controller) unlockAndNotify() {
	if len(c.subscribers) == 0 {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, c.state.clone())
	if !c.draining {
		c.draining = true
		go c.drain()
	}
	c.mu.Unlock()
}

func (c *Controller) drain() {
	c.mu.Lock()
	for len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		subs := append([]func(State){}, c.subscribers...)
		c.mu.Unlock()
		for _, fn := range subs {
			fn(next)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.idle.Broadcast()
	c.mu.Unlock()
}

// Flush blocks until every queued snapshot has been delivered.
func (c *Controller) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.draining {
		c.idle.Wait()
	}
}

func describeError(err error) string {
	if err == nil {
		return ""
	}
	var capErr *audio.CapabilityError
	var credErr *recognition.CredentialError
	var engErr *recognition.EngineError
	switch {
	case errors.As(err, &capErr):
		return capErr.Remediation
	case errors.As(err, &credErr):
		return "Speech credentials unavailable: " + credErr.Err.Error()
	case errors.As(err, &engErr):
		return "Speech recognition stopped: " + engErr.Err.Error()
	default:
		return err.Error()
	}
}
