package audio

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"call-assist-agent/internal/observability/logging"
	"call-assist-agent/internal/observability/metrics"
)

// Options configures a Mixer.
type Options struct {
	SampleRate  int
	DisplayGain float32
	MicGain     float32
	// Remediation is attached to ErrNoSystemAudio failures.
	Remediation string
}

// DefaultOptions returns 16 kHz output with unity gain on both sources.
func DefaultOptions() Options {
	return Options{
		SampleRate:  16000,
		DisplayGain: 1,
		MicGain:     1,
		Remediation: DefaultRemediation,
	}
}

// MergedStream is the mixed output of one acquisition. It owns the capture
// streams and the mixing graph until Release.
type MergedStream struct {
	graph   *Graph
	streams []*Stream
	mixer   *Mixer
	once    sync.Once
}

// Read implements io.Reader over 16-bit little-endian mono PCM.
func (s *MergedStream) Read(p []byte) (int, error) {
	n, err := s.graph.Read(p)
	if n > 0 {
		s.mixer.metrics.RecordAudioMixed(n)
	}
	return n, err
}

// SampleRate returns the PCM sample rate.
func (s *MergedStream) SampleRate() int {
	return s.graph.SampleRate()
}

// Release stops every capture track and closes the mixing graph. Idempotent.
func (s *MergedStream) Release() {
	s.once.Do(func() {
		s.mixer.detach(s)
		s.mixer.releaseAll(s.streams, s.graph)
	})
}

// Mixer acquires the display and microphone captures and merges them.
//
// Every resource acquired by a failed Acquire is released before it returns.
// Release is idempotent and safe when nothing is held.
type Mixer struct {
	capturer Capturer
	opts     Options
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu           sync.Mutex
	current      *MergedStream
	acquiring    bool
	openTracks   int
	openContexts int
}

// NewMixer creates a mixer over capturer.
func NewMixer(capturer Capturer, opts Options, m *metrics.Metrics) *Mixer {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = DefaultOptions().SampleRate
	}
	if opts.Remediation == "" {
		opts.Remediation = DefaultRemediation
	}
	return &Mixer{
		capturer: capturer,
		opts:     opts,
		logger:   logging.WithComponent("mixer"),
		metrics:  m,
	}
}

// Acquire requests both captures concurrently and connects their audio
// tracks into a new mixing graph.
func (m *Mixer) Acquire(ctx context.Context) (*MergedStream, error) {
	m.mu.Lock()
	if m.current != nil || m.acquiring {
		m.mu.Unlock()
		return nil, ErrAlreadyAcquired
	}
	m.acquiring = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.acquiring = false
		m.mu.Unlock()
	}()

	var display, mic *Stream
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := m.capturer.CaptureDisplay(gctx, DisplayCaptureOptions(m.opts.SampleRate))
		if err != nil {
			return classifyCaptureError("display", err)
		}
		m.hold(s)
		display = s
		return nil
	})
	g.Go(func() error {
		s, err := m.capturer.CaptureMicrophone(gctx, MicrophoneCaptureOptions(m.opts.SampleRate))
		if err != nil {
			return classifyCaptureError("microphone", err)
		}
		m.hold(s)
		mic = s
		return nil
	})

	acquired := func() []*Stream {
		var out []*Stream
		for _, s := range []*Stream{display, mic} {
			if s != nil {
				out = append(out, s)
			}
		}
		return out
	}

	if err := g.Wait(); err != nil {
		m.releaseAll(acquired(), nil)
		m.metrics.RecordCaptureAcquisition("error")
		m.logger.Warn().Err(err).Msg("Audio acquisition failed; released partial captures")
		return nil, err
	}

	if len(display.AudioTracks()) == 0 {
		m.releaseAll(acquired(), nil)
		m.metrics.RecordCaptureAcquisition("no_system_audio")
		m.logger.Warn().
			Int("displayTracks", len(display.Tracks())).
			Msg("Display capture carries no audio track")
		return nil, &CapabilityError{Remediation: m.opts.Remediation, Err: ErrNoSystemAudio}
	}

	graph := NewGraph(m.opts.SampleRate)
	m.mu.Lock()
	m.openContexts++
	m.mu.Unlock()

	for _, t := range display.AudioTracks() {
		if err := graph.Connect(t, m.opts.DisplayGain); err != nil {
			m.releaseAll(acquired(), graph)
			m.metrics.RecordCaptureAcquisition("error")
			return nil, err
		}
	}
	for _, t := range mic.AudioTracks() {
		if err := graph.Connect(t, m.opts.MicGain); err != nil {
			m.releaseAll(acquired(), graph)
			m.metrics.RecordCaptureAcquisition("error")
			return nil, err
		}
	}

	merged := &MergedStream{graph: graph, streams: acquired(), mixer: m}
	m.mu.Lock()
	m.current = merged
	m.mu.Unlock()

	m.metrics.RecordCaptureAcquisition("success")
	m.logger.Info().
		Int("sampleRate", m.opts.SampleRate).
		Int("inputs", graph.Inputs()).
		Msg("Audio sources acquired and mixed")
	return merged, nil
}

// Release releases the currently held merged stream, if any.
func (m *Mixer) Release() {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil {
		cur.Release()
	}
}

// OpenTracks returns the number of capture tracks currently held.
func (m *Mixer) OpenTracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openTracks
}

// OpenContexts returns the number of mixing graphs currently open.
func (m *Mixer) OpenContexts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openContexts
}

// Held reports whether a merged stream is currently held.
func (m *Mixer) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

func (m *Mixer) hold(s *Stream) {
	n := len(s.Tracks())
	m.mu.Lock()
	m.openTracks += n
	m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.metrics.RecordTrackOpened()
	}
}

func (m *Mixer) detach(s *MergedStream) {
	m.mu.Lock()
	if m.current == s {
		m.current = nil
	}
	m.mu.Unlock()
}

func (m *Mixer) releaseAll(streams []*Stream, graph *Graph) {
	for _, s := range streams {
		s.Stop()
		n := len(s.Tracks())
		m.mu.Lock()
		m.openTracks -= n
		m.mu.Unlock()
		for i := 0; i < n; i++ {
			m.metrics.RecordTrackStopped()
		}
	}
	if graph != nil {
		graph.Close()
		graph.Wait()
		m.mu.Lock()
		m.openContexts--
		m.mu.Unlock()
	}
	m.logger.Debug().Int("streams", len(streams)).Msg("Audio resources released")
}
