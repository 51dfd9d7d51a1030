// Package mock provides a mock STT adapter for running without cloud credentials.
// It plays a scripted two-speaker call: each utterance produces progressive
// partial transcripts, some of them revised, followed by exactly one final.
package mock

import (
	"context"
	"sync"
	"time"

	"call-assist-agent/internal/service/stt"
)

// Provider is the provider name used in logs and metrics.
const Provider = "mock"

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Speaker    string
	Partials   []string // Progressive partial transcripts
	Final      string   // Final transcript text
	Confidence float64  // Confidence score for final
}

// DefaultConversation is a short insurance claim call.
var DefaultConversation = []SimulatedUtterance{
	{
		Speaker:    "Agent",
		Partials:   []string{"Thank you", "Thank you for calling", "Thank you for calling how can I"},
		Final:      "Thank you for calling, how can I help you today?",
		Confidence: 0.95,
	},
	{
		Speaker:    "Customer",
		Partials:   []string{"Hi I was", "Hi I was in a small", "Hi I was in a small accident and"},
		Final:      "Hi, I was in a small accident and need to file a claim.",
		Confidence: 0.92,
	},
	{
		Speaker:    "Agent",
		Partials:   []string{"I'm sorry", "I'm sorry to hear that", "I'm sorry to hear that can I have"},
		Final:      "I'm sorry to hear that. Can I have your policy number?",
		Confidence: 0.94,
	},
	{
		Speaker:    "Customer",
		Partials:   []string{"My polic", "My policy is CAR-1"},
		Final:      "My policy is CAR-100001.",
		Confidence: 0.89,
	},
	{
		Speaker:    "Agent",
		Partials:   []string{"Thanks I can", "Thanks I can see your", "Thanks I can see your policy was"},
		Final:      "Thanks, I can see your policy. Was anyone injured?",
		Confidence: 0.93,
	},
	{
		Speaker:    "Customer",
		Partials:   []string{"No everyone", "No everyone is fine just"},
		Final:      "No, everyone is fine, just some damage to the bumper.",
		Confidence: 0.91,
	},
}

// Config controls pacing of the simulation.
type Config struct {
	// FramesPerStep is how many SendAudio calls advance the script by one event.
	FramesPerStep int
	SampleRateHz  int
	// Loop restarts the conversation when it ends.
	Loop         bool
	Conversation []SimulatedUtterance
}

// DefaultConfig returns one event per three audio frames at 16 kHz.
func DefaultConfig() Config {
	return Config{
		FramesPerStep: 3,
		SampleRateHz:  16000,
		Loop:          true,
		Conversation:  DefaultConversation,
	}
}

// Adapter implements stt.Adapter with scripted responses.
// Callbacks are delivered in order on a single goroutine.
type Adapter struct {
	config Config

	mu            sync.Mutex
	cb            stt.Callback
	events        chan func(stt.Callback)
	done          chan struct{}
	audioReceived int   // Count of audio frames received
	samples       int64 // Samples received so far
	utterance     int   // Index into the conversation
	partialIndex  int   // Next partial to send
	offset        int64 // Offset of the current utterance
	started       bool  // Current utterance has emitted at least one partial
	finished      bool  // Conversation ended and Loop is off
	closed        bool
}

// New creates a new mock STT adapter.
func New(cfg Config) *Adapter {
	if cfg.FramesPerStep <= 0 {
		cfg.FramesPerStep = 1
	}
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 16000
	}
	if len(cfg.Conversation) == 0 {
		cfg.Conversation = DefaultConversation
	}
	return &Adapter{
		config: cfg,
		events: make(chan func(stt.Callback), 64),
		done:   make(chan struct{}),
	}
}

// NewFactory returns an stt.Factory producing mock adapters. Credentials are ignored.
func NewFactory(cfg Config) stt.Factory {
	return func(ctx context.Context, creds stt.Credentials, opts stt.Options) (stt.Adapter, error) {
		c := cfg
		if opts.SampleRateHz > 0 {
			c.SampleRateHz = opts.SampleRateHz
		}
		return New(c), nil
	}
}

// Start begins a mock transcription session.
func (a *Adapter) Start(ctx context.Context, cb stt.Callback) error {
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()
	go a.deliver(cb)
	return nil
}

func (a *Adapter) deliver(cb stt.Callback) {
	defer close(a.done)
	for ev := range a.events {
		ev(cb)
	}
}

// Done is closed after the final callback has been delivered.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// SendAudio advances the script by one event every FramesPerStep frames.
func (a *Adapter) SendAudio(ctx context.Context, audio []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.cb == nil {
		return nil
	}

	a.audioReceived++
	a.samples += int64(len(audio) / 2)
	if a.finished || a.audioReceived%a.config.FramesPerStep != 0 {
		return nil
	}
	a.stepLocked()
	return nil
}

func (a *Adapter) stepLocked() {
	utt := a.config.Conversation[a.utterance]
	if !a.started {
		a.offset = a.positionLocked()
		a.started = true
	}

	if a.partialIndex < len(utt.Partials) {
		res := stt.Result{Text: utt.Partials[a.partialIndex], Speaker: utt.Speaker, Offset: a.offset}
		a.partialIndex++
		a.events <- func(cb stt.Callback) { cb.OnPartial(res) }
		return
	}

	res := stt.Result{
		Text:       utt.Final,
		Speaker:    utt.Speaker,
		Offset:     a.offset,
		Duration:   a.durationLocked(),
		Confidence: utt.Confidence,
	}
	a.events <- func(cb stt.Callback) { cb.OnFinal(res) }

	a.partialIndex = 0
	a.started = false
	a.utterance++
	if a.utterance >= len(a.config.Conversation) {
		a.utterance = 0
		a.finished = !a.config.Loop
	}
}

// positionLocked returns the stream position in 100 ns ticks.
func (a *Adapter) positionLocked() int64 {
	return a.samples * 10_000_000 / int64(a.config.SampleRateHz)
}

func (a *Adapter) durationLocked() time.Duration {
	return time.Duration(a.positionLocked()-a.offset) * 100
}

// Close ends the mock session. An utterance in progress is finalized first,
// then OnSessionStopped is delivered.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	if a.cb == nil {
		close(a.events)
		close(a.done)
		return nil
	}
	if a.started {
		a.partialIndex = len(a.config.Conversation[a.utterance].Partials)
		a.stepLocked()
	}
	a.events <- func(cb stt.Callback) { cb.OnSessionStopped() }
	close(a.events)
	return nil
}

// Fail injects an engine cancellation, as a real provider would on a dropped stream.
func (a *Adapter) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.cb == nil {
		return
	}
	a.closed = true
	a.events <- func(cb stt.Callback) {
		cb.OnCanceled(&stt.CancellationError{Provider: Provider, Code: "injected", Err: err})
	}
	close(a.events)
}
