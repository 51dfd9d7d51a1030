// Package audio acquires the display and microphone captures for a call and
// mixes them into the single mono PCM stream the recognizer consumes.
package audio

import (
	"context"
	"fmt"
	"sync"
)

// TrackKind distinguishes audio tracks from the video track a display capture carries.
type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

// String returns the string representation of the kind.
func (k TrackKind) String() string {
	switch k {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Track is one live media track of a capture.
// Read fills p with mono 16-bit samples at the capture's sample rate and
// blocks until samples are available. After Stop, Read returns io.EOF.
type Track interface {
	Kind() TrackKind
	Label() string
	Read(p []int16) (int, error)
	Stop()
}

// Stream is the result of one capture request.
type Stream struct {
	tracks []Track
	once   sync.Once
}

// NewStream groups tracks into a stream.
func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks returns every track of the stream.
func (s *Stream) Tracks() []Track {
	return s.tracks
}

// AudioTracks returns the tracks of kind TrackAudio.
func (s *Stream) AudioTracks() []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == TrackAudio {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track. Safe to call more than once.
func (s *Stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// CaptureOptions configures one capture request.
type CaptureOptions struct {
	SampleRate       int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DisplayCaptureOptions returns the options used for the display capture.
// Processing is disabled so the far side of the conversation reaches the
// recognizer unaltered.
func DisplayCaptureOptions(sampleRate int) CaptureOptions {
	return CaptureOptions{SampleRate: sampleRate}
}

// MicrophoneCaptureOptions returns the platform defaults for the microphone.
func MicrophoneCaptureOptions(sampleRate int) CaptureOptions {
	return CaptureOptions{
		SampleRate:       sampleRate,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// Capturer is the platform capability the mixer acquires sources from.
type Capturer interface {
	// CaptureDisplay requests the display capture. Platforms that cannot
	// share system audio return a stream without audio tracks.
	CaptureDisplay(ctx context.Context, opts CaptureOptions) (*Stream, error)

	// CaptureMicrophone requests the local microphone.
	CaptureMicrophone(ctx context.Context, opts CaptureOptions) (*Stream, error)
}
