package session

import (
	"encoding/json"

	"call-assist-agent/internal/api/duplex"
	"call-assist-agent/internal/models"
	"call-assist-agent/internal/service/transcript"
)

// Route applies one inbound backend event to the session state. Bad events
// are logged and dropped; routing never fails.
func (c *Controller) Route(msg duplex.Message) {
	if err := c.validator.Validate(msg.Type, msg.Data); err != nil {
		c.metrics.RecordRoutedEvent(msg.Type, "malformed")
		c.logger.Warn().Err(err).Str("type", msg.Type).Msg("Dropping malformed backend event")
		return
	}

	switch msg.Type {
	case models.TypeTranscript:
		c.routeTranscript(msg.Data)
		return

	case models.TypeMemberProfile:
		c.update(msg.Type, func(s *State) { s.MemberProfile = cloneRaw(msg.Data) })
	case models.TypeKnowledge:
		c.update(msg.Type, func(s *State) { s.KnowledgeDocs = cloneRaw(msg.Data) })
	case models.TypeCompliance:
		c.update(msg.Type, func(s *State) { s.ComplianceAlerts = cloneRaw(msg.Data) })
	case models.TypeIntent:
		c.update(msg.Type, func(s *State) {
			s.Intent = cloneRaw(msg.Data)
			s.IsProcessing = false
		})
	case models.TypePostCallEvaluation:
		c.update(msg.Type, func(s *State) {
			s.PostCallEvaluation = cloneRaw(msg.Data)
			s.IsProcessing = false
			s.EvaluationPending = false
		})

	case models.TypeSuggestion, models.TypeSuggestionChunk:
		var data models.SuggestionData
		if !c.decode(msg, &data) {
			return
		}
		chunk := msg.Type == models.TypeSuggestionChunk
		c.update(msg.Type, func(s *State) {
			if chunk {
				s.SuggestionText += data.Text
			} else {
				s.SuggestionText = data.Text
			}
			s.IsProcessing = false
		})
	case models.TypeClearSuggestion:
		c.update(msg.Type, func(s *State) { s.SuggestionText = "" })
	case models.TypeProcessing:
		c.update(msg.Type, func(s *State) { s.IsProcessing = true })

	case models.TypeError:
		var data models.ErrorData
		if len(msg.Data) > 0 && !c.decode(msg, &data) {
			return
		}
		if data.Message == "" {
			data.Message = "Backend reported an error"
		}
		c.logger.Error().Str("message", data.Message).Msg("Backend error")
		c.update(msg.Type, func(s *State) {
			s.IsProcessing = false
			s.LastError = data.Message
		})

	default:
		c.metrics.RecordRoutedEvent(msg.Type, "ignored")
		c.logger.Warn().Str("type", msg.Type).Msg("Unrecognized backend event")
		return
	}
	c.metrics.RecordRoutedEvent(msg.Type, "applied")
}

// routeTranscript applies a remote-confirmed transcript entry. In local mode
// only finals are taken from the backend.
func (c *Controller) routeTranscript(data json.RawMessage) {
	var rt models.RemoteTranscript
	if err := json.Unmarshal(data, &rt); err != nil {
		c.metrics.RecordRoutedEvent(models.TypeTranscript, "malformed")
		c.logger.Warn().Err(err).Msg("Dropping undecodable transcript event")
		return
	}
	// Local partials lead the backend's echo of them; applying an echo
	// would roll the text back to an older revision.
	if c.config.Source == SourceLocal && !rt.IsFinalized {
		c.metrics.RecordRoutedEvent(models.TypeTranscript, "ignored")
		return
	}
	offset := transcript.NoOffset
	if rt.Offset != nil {
		offset = *rt.Offset
	}

	changed, callID, ok := c.applyTranscript(transcript.Event{
		Text:        rt.Text,
		Speaker:     rt.Speaker,
		Offset:      offset,
		IsFinalized: rt.IsFinalized,
		Timestamp:   rt.Timestamp,
	})
	if !ok {
		c.metrics.RecordRoutedEvent(models.TypeTranscript, "rejected")
		return
	}
	c.metrics.RecordRoutedEvent(models.TypeTranscript, "applied")
	if c.config.Source == SourceRemote {
		c.mirrorEntry(callID, changed)
	}
}

func (c *Controller) update(eventType string, fn func(*State)) {
	c.mu.Lock()
	fn(&c.state)
	c.unlockAndNotify()
	c.logger.Debug().Str("type", eventType).Msg("Session state updated")
}

func (c *Controller) decode(msg duplex.Message, v any) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		c.metrics.RecordRoutedEvent(msg.Type, "malformed")
		c.logger.Warn().Err(err).Str("type", msg.Type).Msg("Dropping undecodable backend event")
		return false
	}
	return true
}
