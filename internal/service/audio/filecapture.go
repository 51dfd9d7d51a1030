package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// FileCapturer is a display-audio-capable capturer backed by WAV files.
// An empty path yields a live silent source.
type FileCapturer struct {
	DisplayPath    string
	MicrophonePath string
	// Realtime paces reads at the capture sample rate.
	Realtime bool
	// Loop restarts a source at end of file instead of ending it.
	Loop bool
}

// CaptureDisplay returns a video track plus the display audio track.
func (c *FileCapturer) CaptureDisplay(ctx context.Context, opts CaptureOptions) (*Stream, error) {
	audioTrack, err := c.open(ctx, "display-audio", c.DisplayPath, opts)
	if err != nil {
		return nil, err
	}
	return NewStream(newVideoTrack("display-video"), audioTrack), nil
}

// CaptureMicrophone returns the microphone audio track.
func (c *FileCapturer) CaptureMicrophone(ctx context.Context, opts CaptureOptions) (*Stream, error) {
	t, err := c.open(ctx, "microphone", c.MicrophonePath, opts)
	if err != nil {
		return nil, err
	}
	return NewStream(t), nil
}

func (c *FileCapturer) open(ctx context.Context, label, path string, opts CaptureOptions) (Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path == "" {
		return newPCMTrack(label, nil, opts.SampleRate, c.Realtime, true), nil
	}
	samples, err := decodeWAV(path, opts.SampleRate)
	if err != nil {
		return nil, err
	}
	return newPCMTrack(label, samples, opts.SampleRate, c.Realtime, c.Loop), nil
}

// decodeWAV loads path as mono 16-bit samples at sampleRate.
func decodeWAV(path string, sampleRate int) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("open wav %s: not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	srcRate := int(dec.SampleRate)
	shift := int(dec.BitDepth) - 16

	frames := len(buf.Data) / channels
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += buf.Data[i*channels+ch]
		}
		v := sum / channels
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		mono[i] = int16(v)
	}
	return resampleNearest(mono, srcRate, sampleRate), nil
}

func resampleNearest(in []int16, from, to int) []int16 {
	if from <= 0 || to <= 0 || from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	for i := range out {
		out[i] = in[int(int64(i)*int64(from)/int64(to))]
	}
	return out
}

// pcmTrack plays a sample buffer. A nil buffer is endless silence.
type pcmTrack struct {
	label      string
	samples    []int16
	sampleRate int
	realtime   bool
	loop       bool

	mu      sync.Mutex
	pos     int
	played  int64
	started time.Time

	stopped chan struct{}
	once    sync.Once
}

func newPCMTrack(label string, samples []int16, sampleRate int, realtime, loop bool) *pcmTrack {
	return &pcmTrack{
		label:      label,
		samples:    samples,
		sampleRate: sampleRate,
		realtime:   realtime,
		loop:       loop,
		stopped:    make(chan struct{}),
	}
}

func (t *pcmTrack) Kind() TrackKind { return TrackAudio }
func (t *pcmTrack) Label() string   { return t.label }

func (t *pcmTrack) Read(p []int16) (int, error) {
	select {
	case <-t.stopped:
		return 0, io.EOF
	default:
	}

	t.mu.Lock()
	if t.started.IsZero() {
		t.started = time.Now()
	}
	n := len(p)
	if t.samples != nil {
		remaining := len(t.samples) - t.pos
		if remaining <= 0 {
			if !t.loop {
				t.mu.Unlock()
				return 0, io.EOF
			}
			t.pos = 0
			remaining = len(t.samples)
		}
		n = min(n, remaining)
		copy(p, t.samples[t.pos:t.pos+n])
		t.pos += n
	} else {
		clear(p[:n])
	}
	t.played += int64(n)
	due := t.started.Add(time.Duration(t.played) * time.Second / time.Duration(max(t.sampleRate, 1)))
	t.mu.Unlock()

	if t.realtime {
		timer := time.NewTimer(time.Until(due))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.stopped:
			return 0, io.EOF
		}
	}
	return n, nil
}

func (t *pcmTrack) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

// videoTrack stands in for the picture half of a display capture.
type videoTrack struct {
	label   string
	stopped chan struct{}
	once    sync.Once
}

func newVideoTrack(label string) *videoTrack {
	return &videoTrack{label: label, stopped: make(chan struct{})}
}

func (t *videoTrack) Kind() TrackKind { return TrackVideo }
func (t *videoTrack) Label() string   { return t.label }

func (t *videoTrack) Read(p []int16) (int, error) {
	<-t.stopped
	return 0, io.EOF
}

func (t *videoTrack) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

// NoDisplayAudioCapturer models a platform that can share the screen but not
// its audio: the display stream carries a video track only. Microphone
// requests go to the wrapped capturer.
type NoDisplayAudioCapturer struct {
	Capturer
}

// CaptureDisplay returns a video-only stream.
func (c NoDisplayAudioCapturer) CaptureDisplay(ctx context.Context, opts CaptureOptions) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewStream(newVideoTrack("display-video")), nil
}
