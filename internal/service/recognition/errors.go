package recognition

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned by Listen and Start unless the session is idle.
	ErrBusy = errors.New("recognition session already active")

	// ErrStopped is returned when Stop won over an in-flight start.
	ErrStopped = errors.New("recognition stopped before start completed")
)

// CredentialError reports a failed credential fetch.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("fetch recognition credentials: %v", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// EngineError reports a failure inside the recognition engine.
type EngineError struct {
	Provider string
	Op       string
	Err      error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("%s recognition %s: %v", e.Provider, e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
