// Package recognition runs a streaming recognizer over the merged call audio
// and turns engine callbacks into transcript events.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"call-assist-agent/internal/observability/logging"
	"call-assist-agent/internal/observability/metrics"
	"call-assist-agent/internal/service/audio"
	"call-assist-agent/internal/service/stt"
	"call-assist-agent/internal/service/transcript"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateListening
	StateStopping
	StateErrored
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateListening:
		return "LISTENING"
	case StateStopping:
		return "STOPPING"
	case StateErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Listener receives everything a session reports. Calls for one session are
// made in engine order.
type Listener interface {
	OnRecognition(ev transcript.Event)
	OnRecognitionError(err error)
	OnRecognitionState(state State)
}

// AudioSource is a merged PCM stream the session owns while listening.
type AudioSource interface {
	io.Reader
	Release()
}

// Acquirer produces merged audio for Listen.
type Acquirer interface {
	Acquire(ctx context.Context) (*audio.MergedStream, error)
	Release()
}

// Config configures a Session.
type Config struct {
	Provider string
	Options  stt.Options
	// ChunkSize is the number of PCM bytes read from the source per send.
	ChunkSize int
	// StopGrace bounds how long a stopping engine may drain before its
	// context is canceled.
	StopGrace time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Provider:  "mock",
		Options:   stt.DefaultOptions(),
		ChunkSize: 3200,
		StopGrace: 2 * time.Second,
	}
}

// Session owns one recognizer and the audio feeding it.
//
// Stop may be called from any state and concurrently with Listen or Start;
// it always wins, and resources acquired by a start that completes after it
// are released immediately.
type Session struct {
	factory  stt.Factory
	fetcher  CredentialFetcher
	mixer    Acquirer
	listener Listener
	config   Config
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	state   State
	gen     uint64 // bumped by Stop; a start that sees a new gen aborts
	run     *run
	drain   *run // stopped run whose engine may still flush finals
	adapter stt.Adapter
	source  AudioSource
	cancel  context.CancelFunc
}

// NewSession creates an idle session.
func NewSession(factory stt.Factory, fetcher CredentialFetcher, mixer Acquirer, listener Listener, cfg Config, m *metrics.Metrics) *Session {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if cfg.Provider == "" {
		cfg.Provider = def.Provider
	}
	if cfg.Options.EndSilenceTimeout <= 0 {
		cfg.Options.EndSilenceTimeout = def.Options.EndSilenceTimeout
	}
	return &Session{
		factory:  factory,
		fetcher:  fetcher,
		mixer:    mixer,
		listener: listener,
		config:   cfg,
		logger:   logging.WithComponent("recognition").With().Str("provider", cfg.Provider).Logger(),
		metrics:  m,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listen fetches credentials, acquires the merged audio and starts the engine.
func (s *Session) Listen(ctx context.Context) error {
	gen, err := s.begin()
	if err != nil {
		return err
	}

	creds, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return s.fail(gen, &CredentialError{Err: err})
	}
	if s.superseded(gen) {
		return ErrStopped
	}

	stream, err := s.mixer.Acquire(ctx)
	if err != nil {
		return s.fail(gen, err)
	}
	if s.superseded(gen) {
		stream.Release()
		return ErrStopped
	}

	return s.start(ctx, gen, stream, creds)
}

// Start starts the engine over an already acquired source. The session owns
// source from here on and releases it on stop or failure.
func (s *Session) Start(ctx context.Context, source AudioSource, creds stt.Credentials) error {
	gen, err := s.begin()
	if err != nil {
		source.Release()
		return err
	}
	return s.start(ctx, gen, source, creds)
}

func (s *Session) begin() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return 0, ErrBusy
	}
	s.setStateLocked(StateStarting)
	return s.gen, nil
}

func (s *Session) superseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen != gen
}

func (s *Session) start(ctx context.Context, gen uint64, source AudioSource, creds stt.Credentials) error {
	adapter, err := s.factory(ctx, creds, s.config.Options)
	if err != nil {
		source.Release()
		return s.fail(gen, &EngineError{Provider: s.config.Provider, Op: "create", Err: err})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{session: s}
	if err := adapter.Start(runCtx, r); err != nil {
		cancel()
		adapter.Close()
		source.Release()
		return s.fail(gen, &EngineError{Provider: s.config.Provider, Op: "start", Err: err})
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		adapter.Close()
		time.AfterFunc(s.config.StopGrace, cancel)
		source.Release()
		s.logger.Info().Msg("Stop requested during start; released new session")
		return ErrStopped
	}
	s.run = r
	s.drain = nil
	s.adapter = adapter
	s.source = source
	s.cancel = cancel
	s.setStateLocked(StateListening)
	s.mu.Unlock()

	s.metrics.RecordRecognitionSession(s.config.Provider, "started")
	s.logger.Info().
		Dur("endSilenceTimeout", s.config.Options.EndSilenceTimeout).
		Str("language", s.config.Options.LanguageCode).
		Msg("Recognition session started")

	go s.pump(runCtx, r, adapter, source)
	return nil
}

// pump feeds merged PCM to the engine until the source ends or is released.
func (s *Session) pump(ctx context.Context, r *run, adapter stt.Adapter, source AudioSource) {
	buf := make([]byte, s.config.ChunkSize)
	for {
		n, err := source.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := adapter.SendAudio(ctx, chunk); sendErr != nil {
				s.logger.Warn().Err(sendErr).Msg("Failed to send audio to engine")
				s.metrics.RecordSTTError(s.config.Provider, "send")
				r.OnCanceled(&EngineError{Provider: s.config.Provider, Op: "send", Err: sendErr})
				return
			}
			s.metrics.RecordAudioSent(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info().Msg("Audio source ended; draining engine")
				adapter.Close()
			}
			return
		}
	}
}

// Stop stops the engine and releases the audio. Safe from any state.
// The returned error reports an engine close failure; resources are
// released regardless.
func (s *Session) Stop() error {
	s.mu.Lock()
	s.gen++
	prev := s.state
	adapter, source, cancel := s.adapter, s.source, s.cancel
	if s.run != nil {
		s.drain = s.run
	}
	s.adapter, s.source, s.cancel, s.run = nil, nil, nil, nil
	if prev == StateListening {
		s.setStateLocked(StateStopping)
	}
	s.mu.Unlock()

	var err error
	if adapter != nil {
		if cerr := adapter.Close(); cerr != nil {
			err = &EngineError{Provider: s.config.Provider, Op: "stop", Err: cerr}
			s.logger.Warn().Err(cerr).Msg("Engine stop failed; releasing audio anyway")
		}
	}
	if cancel != nil {
		time.AfterFunc(s.config.StopGrace, cancel)
	}
	if source != nil {
		source.Release()
	}
	s.mixer.Release()

	s.mu.Lock()
	if s.state != StateIdle {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()

	if prev != StateIdle {
		s.metrics.RecordRecognitionSession(s.config.Provider, "stopped")
		s.logger.Info().Str("from", prev.String()).Msg("Recognition session stopped")
	}
	return err
}

// fail reports err, moves through Errored back to Idle and releases what the
// mixer holds. A start superseded by Stop returns ErrStopped silently.
func (s *Session) fail(gen uint64, err error) error {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return ErrStopped
	}
	s.setStateLocked(StateErrored)
	s.mu.Unlock()

	s.mixer.Release()
	s.report(err)

	s.mu.Lock()
	if s.gen == gen && s.state == StateErrored {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()
	return err
}

func (s *Session) report(err error) {
	kind := "engine"
	var credErr *CredentialError
	var capErr *audio.CapabilityError
	var denied *audio.PermissionDeniedError
	switch {
	case errors.As(err, &credErr):
		kind = "credentials"
	case errors.As(err, &capErr):
		kind = "capability"
	case errors.As(err, &denied):
		kind = "permission"
	}
	s.metrics.RecordRecognitionSession(s.config.Provider, "error")
	s.metrics.RecordSTTError(s.config.Provider, kind)
	s.logger.Error().Err(err).Str("kind", kind).Msg("Recognition session failed")
	if s.listener != nil {
		s.listener.OnRecognitionError(err)
	}
}

// setStateLocked must be called with s.mu held. The listener is invoked
// under the lock so state notifications keep their order.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	if s.listener != nil {
		s.listener.OnRecognitionState(st)
	}
}

// detach clears the resources of r if it is still the current run.
func (s *Session) detach(r *run, to State) (stt.Adapter, AudioSource, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != r || s.state != StateListening {
		return nil, nil, nil, false
	}
	adapter, source, cancel := s.adapter, s.source, s.cancel
	s.adapter, s.source, s.cancel, s.run = nil, nil, nil, nil
	s.gen++
	s.setStateLocked(to)
	return adapter, source, cancel, true
}

func (s *Session) current(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run == r || s.drain == r
}

// drained reports whether r was the stopped run, and forgets it.
func (s *Session) drained(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drain != r {
		return false
	}
	s.drain = nil
	return true
}

// run adapts engine callbacks of one started engine to the session.
type run struct {
	session *Session
}

func (r *run) OnPartial(res stt.Result) {
	r.emit(res, false)
}

func (r *run) OnFinal(res stt.Result) {
	r.session.metrics.RecordUtterance()
	r.emit(res, true)
}

func (r *run) emit(res stt.Result, final bool) {
	s := r.session
	if !s.current(r) || s.listener == nil {
		return
	}
	s.listener.OnRecognition(transcript.Event{
		Text:        res.Text,
		Speaker:     res.SpeakerOrUnknown(),
		Offset:      res.Offset,
		IsFinalized: final,
	})
}

func (r *run) OnCanceled(err error) {
	s := r.session
	if s.drained(r) {
		s.logger.Debug().Err(err).Msg("Engine canceled while draining")
		return
	}
	adapter, source, cancel, ok := s.detach(r, StateErrored)
	if !ok {
		return
	}
	if cancel != nil {
		cancel()
	}
	if adapter != nil {
		if err := adapter.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Engine close after session end failed")
		}
	}
	if source != nil {
		source.Release()
	}

	var engErr *EngineError
	if !errors.As(err, &engErr) {
		err = &EngineError{Provider: s.config.Provider, Op: "recognize", Err: err}
	}
	s.report(err)

	s.mu.Lock()
	if s.state == StateErrored {
		s.setStateLocked(StateIdle)
	}
	s.mu.Unlock()
}

func (r *run) OnSessionStopped() {
	s := r.session
	if s.drained(r) {
		return
	}
	adapter, source, cancel, ok := s.detach(r, StateIdle)
	if !ok {
		return
	}
	if cancel != nil {
		cancel()
	}
	if adapter != nil {
		if err := adapter.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("Engine close after session end failed")
		}
	}
	if source != nil {
		source.Release()
	}
	s.metrics.RecordRecognitionSession(s.config.Provider, "ended")
	s.logger.Info().Msg("Recognition engine ended the session")
}
