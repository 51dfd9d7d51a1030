// Package stt defines the interface for Speech-to-Text adapters.
package stt

import (
	"context"
	"fmt"
	"time"
)

// UnknownSpeaker is reported when the engine gives no speaker attribution.
const UnknownSpeaker = "Unknown"

// Result is one recognition hypothesis.
type Result struct {
	Text    string
	Speaker string
	// Offset is the utterance start in 100 ns ticks from the beginning of the stream.
	Offset     int64
	Duration   time.Duration
	Confidence float64
}

// SpeakerOrUnknown returns the speaker, or UnknownSpeaker when empty.
func (r Result) SpeakerOrUnknown() string {
	if r.Speaker == "" {
		return UnknownSpeaker
	}
	return r.Speaker
}

// Callback receives transcript results from the STT provider.
type Callback interface {
	// OnPartial is called when an interim/partial transcript is received.
	OnPartial(r Result)

	// OnFinal is called when a final transcript is received.
	OnFinal(r Result)

	// OnCanceled is called when the engine ends the session because of an error.
	OnCanceled(err error)

	// OnSessionStopped is called when the session ends normally.
	OnSessionStopped()
}

// Adapter defines the interface for STT providers (Google, mock, etc.).
type Adapter interface {
	// Start begins a streaming transcription session.
	Start(ctx context.Context, cb Callback) error

	// SendAudio sends audio bytes to the STT provider.
	SendAudio(ctx context.Context, audio []byte) error

	// Close ends the session and releases resources. The adapter reports
	// OnSessionStopped once the engine has drained.
	Close() error
}

// Credentials authorise one recognition session.
type Credentials struct {
	Token  string
	Region string
}

// Options are the engine settings the recognition session controls.
type Options struct {
	LanguageCode      string
	SampleRateHz      int
	EndSilenceTimeout time.Duration
}

// DefaultOptions returns en-US, 16 kHz and a 700 ms end-of-speech timeout.
func DefaultOptions() Options {
	return Options{
		LanguageCode:      "en-US",
		SampleRateHz:      16000,
		EndSilenceTimeout: 700 * time.Millisecond,
	}
}

// Factory builds an adapter for one session.
type Factory func(ctx context.Context, creds Credentials, opts Options) (Adapter, error)

// CancellationError is passed to OnCanceled.
type CancellationError struct {
	Provider string
	// Code is a short machine-readable reason, e.g. "unauthenticated" or "stream_limit".
	Code string
	Err  error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("%s recognition canceled (%s): %v", e.Provider, e.Code, e.Err)
}

func (e *CancellationError) Unwrap() error {
	return e.Err
}
