// Package session composes recognition, reconciliation and the backend
// channel into call lifecycle operations, and owns the state the
// presentation layer reads.
package session

import (
	"encoding/json"
	"fmt"

	"call-assist-agent/internal/service/transcript"
)

// SourceMode selects which side is the source of truth for the transcript log.
type SourceMode int

const (
	// SourceLocal reconciles local recognition events and forwards accepted updates.
	SourceLocal SourceMode = iota
	// SourceRemote only forwards local events; the log mirrors the backend's echo.
	SourceRemote
)

// String returns the string representation of the mode.
func (m SourceMode) String() string {
	switch m {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseSourceMode parses "local" or "remote".
func ParseSourceMode(s string) (SourceMode, error) {
	switch s {
	case "", "local":
		return SourceLocal, nil
	case "remote":
		return SourceRemote, nil
	default:
		return SourceLocal, fmt.Errorf("unknown transcript source %q", s)
	}
}

// State is one snapshot of a call's session state. Backend-owned cards are
// kept as raw JSON; their shape is opaque to the agent.
type State struct {
	CallID            string `json:"callId"`
	CallActive        bool   `json:"callActive"`
	IsListening       bool   `json:"isListening"`
	IsProcessing      bool   `json:"isProcessing"`
	IsConnected       bool   `json:"isConnected"`
	EvaluationPending bool   `json:"evaluationPending"`
	RecognitionState  string `json:"recognitionState"`

	MemberProfile      json.RawMessage `json:"memberProfile,omitempty"`
	KnowledgeDocs      json.RawMessage `json:"knowledgeDocs,omitempty"`
	ComplianceAlerts   json.RawMessage `json:"complianceAlerts,omitempty"`
	Intent             json.RawMessage `json:"intent,omitempty"`
	PostCallEvaluation json.RawMessage `json:"postCallEvaluation,omitempty"`

	SuggestionText string             `json:"suggestionText"`
	LastError      string             `json:"lastError,omitempty"`
	Transcript     []transcript.Entry `json:"transcript"`

	Status string `json:"status"`
}

// StatusText is the one-line connection status shown to the agent.
func (s State) StatusText() string {
	switch {
	case s.IsListening:
		return "Live - Listening"
	case s.IsProcessing:
		return "Processing..."
	case s.IsConnected:
		return "Ready"
	default:
		return "Disconnected"
	}
}

// clone returns a deep copy safe to hand to another goroutine.
func (s State) clone() State {
	out := s
	out.MemberProfile = cloneRaw(s.MemberProfile)
	out.KnowledgeDocs = cloneRaw(s.KnowledgeDocs)
	out.ComplianceAlerts = cloneRaw(s.ComplianceAlerts)
	out.Intent = cloneRaw(s.Intent)
	out.PostCallEvaluation = cloneRaw(s.PostCallEvaluation)
	if s.Transcript != nil {
		out.Transcript = append([]transcript.Entry(nil), s.Transcript...)
	}
	out.Status = s.StatusText()
	return out
}

// clearProjections resets everything the backend or the recognizer fills in.
// Connectivity, listening and call lifecycle flags are left alone.
func (s *State) clearProjections() {
	s.IsProcessing = false
	s.MemberProfile = nil
	s.KnowledgeDocs = nil
	s.ComplianceAlerts = nil
	s.Intent = nil
	s.PostCallEvaluation = nil
	s.SuggestionText = ""
	s.LastError = ""
	s.Transcript = nil
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
