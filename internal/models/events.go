package models

// Inbound event types pushed by the backend.
const (
	TypeTranscript         = "transcript"
	TypeMemberProfile      = "member_profile"
	TypeKnowledge          = "knowledge"
	TypeCompliance         = "compliance"
	TypeSuggestion         = "suggestion"
	TypeSuggestionChunk    = "suggestion_chunk"
	TypeClearSuggestion    = "clear_suggestion"
	TypeIntent             = "intent"
	TypeProcessing         = "processing"
	TypePostCallEvaluation = "post_call_evaluation"
	TypeError              = "error"
)

// TypeEndCall is the outbound control event that closes a call.
const TypeEndCall = "end_call"

// TranscriptUpdate is the outbound event sent for every accepted utterance update.
type TranscriptUpdate struct {
	Text        string `json:"text"`
	IsFinalized bool   `json:"is_finalized"`
	Speaker     string `json:"speaker"`
	Offset      int64  `json:"offset"`
}

// EventType implements duplex.Typed.
func (TranscriptUpdate) EventType() string { return TypeTranscript }

// EndCall asks the backend to compute the post-call evaluation.
type EndCall struct {
	Type string `json:"type"`
}

// NewEndCall returns the end-of-call control event.
func NewEndCall() EndCall {
	return EndCall{Type: TypeEndCall}
}

// EventType implements duplex.Typed.
func (e EndCall) EventType() string { return e.Type }

// RemoteTranscript is the data of an inbound transcript event.
type RemoteTranscript struct {
	Text        string `json:"text"`
	IsFinalized bool   `json:"is_finalized"`
	Speaker     string `json:"speaker"`
	Timestamp   string `json:"timestamp"`
	Offset      *int64 `json:"offset"`
}

// SuggestionData is the data of suggestion and suggestion_chunk events.
type SuggestionData struct {
	Text string `json:"text"`
}

// ErrorData is the data of an inbound error event.
type ErrorData struct {
	Message string `json:"message"`
}
