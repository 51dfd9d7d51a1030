// Package models defines the wire types exchanged with the reasoning backend
// and mirrored to Kafka.
package models

// TranscriptPartial mirrors a non-finalized transcript entry to Kafka.
type TranscriptPartial struct {
	EventType string `json:"eventType"`
	CallID    string `json:"callId"`
	EntryID   string `json:"entryId"`
	Timestamp int64  `json:"timestamp"`
	Speaker   string `json:"speaker,omitempty"`
	Offset    int64  `json:"offset"`
	Text      string `json:"text"`
}

// TranscriptFinal mirrors a finalized transcript entry to Kafka.
type TranscriptFinal struct {
	EventType     string `json:"eventType"`
	CallID        string `json:"callId"`
	EntryID       string `json:"entryId"`
	Timestamp     int64  `json:"timestamp"`
	Speaker       string `json:"speaker,omitempty"`
	Offset        int64  `json:"offset"`
	AudioOffsetMs int64  `json:"audioOffsetMs"`
	Display       string `json:"display"`
	Text          string `json:"text"`
}
