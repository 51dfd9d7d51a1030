package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSystemAudio is matched by *CapabilityError.
	ErrNoSystemAudio = errors.New("display capture has no audio track")

	// ErrPermissionDenied is returned by capturers when the user or the
	// platform refuses access to a source.
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrAlreadyAcquired is returned by Acquire while a merged stream is held.
	ErrAlreadyAcquired = errors.New("audio sources already acquired")
)

// DefaultRemediation is the guidance attached to ErrNoSystemAudio.
const DefaultRemediation = "System audio sharing is not available on this platform. " +
	"Share a browser tab or the entire screen with audio enabled, or route call audio " +
	"through a virtual audio device."

// CapabilityError reports a source the environment cannot provide.
type CapabilityError struct {
	Remediation string
	Err         error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Remediation)
}

func (e *CapabilityError) Unwrap() error {
	return e.Err
}

// PermissionDeniedError reports which source was refused.
type PermissionDeniedError struct {
	Source string
	Err    error
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("%s capture was denied: %v", e.Source, e.Err)
}

func (e *PermissionDeniedError) Unwrap() error {
	return e.Err
}

func classifyCaptureError(source string, err error) error {
	if errors.Is(err, ErrPermissionDenied) {
		return &PermissionDeniedError{Source: source, Err: err}
	}
	return fmt.Errorf("capture %s: %w", source, err)
}
