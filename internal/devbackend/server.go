// Package devbackend is a local stand-in for the reasoning backend. It speaks
// the agent's wire protocol on /stream, serves short-lived speech tokens and
// fans every event out to observers.
package devbackend

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"call-assist-agent/internal/models"
	"call-assist-agent/internal/observability/logging"
)

// Config configures the dev backend.
type Config struct {
	// ChunkDelay paces streamed suggestion chunks.
	ChunkDelay time.Duration
	Token      string
	Region     string
}

// DefaultConfig returns a 40 ms chunk pace and a fixed dev token.
func DefaultConfig() Config {
	return Config{
		ChunkDelay: 40 * time.Millisecond,
		Token:      "dev-token",
		Region:     "global",
	}
}

// Server handles agent connections.
type Server struct {
	config   Config
	hub      *Hub
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// New creates a server publishing to hub. hub may be nil.
func New(cfg Config, hub *Hub) *Server {
	return &Server{
		config: cfg,
		hub:    hub,
		logger: logging.WithComponent("devbackend"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
		},
	}
}

// Handler returns the backend routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/stream", s.handleStream)
	r.Get("/api/speech-token", s.handleToken)
	if s.hub != nil {
		r.Get("/observe", s.hub.ServeWS)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (s *Server) handleToken(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"token":  s.config.Token,
		"region": s.config.Region,
	})
}

// envelope is the backend-to-agent wire format.
type envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// agentMessage is either a transcript update or a typed control event.
type agentMessage struct {
	Type string `json:"type"`
	models.TranscriptUpdate
}

// call is the per-connection conversation state.
type call struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	finals   []models.TranscriptUpdate
	speakers map[string]int
	intents  []string
	member   *Member
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer ws.Close()

	c := &call{ws: ws, speakers: make(map[string]int)}
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Agent connected")

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.logger.Info().Err(err).Msg("Agent disconnected")
			return
		}
		var msg agentMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping unparseable agent message")
			continue
		}
		switch msg.Type {
		case "":
			s.onTranscript(c, msg.TranscriptUpdate)
		case models.TypeEndCall:
			s.onEndCall(c)
		default:
			s.logger.Debug().Str("type", msg.Type).Msg("Ignoring agent event")
		}
	}
}

func (s *Server) onTranscript(c *call, u models.TranscriptUpdate) {
	// Echo so agents running with a remote transcript source see the log.
	s.send(c, models.TypeTranscript, u)
	if !u.IsFinalized {
		return
	}

	c.finals = append(c.finals, u)
	c.speakers[u.Speaker]++
	s.send(c, models.TypeProcessing, nil)

	prev := c.member
	a := analyze(u.Text, c.member)
	c.member = a.member
	c.intents = appendUnique(c.intents, a.intent.Label)

	s.send(c, models.TypeIntent, a.intent)
	if a.member != nil && a.member != prev {
		s.send(c, models.TypeMemberProfile, a.member)
	}
	if len(a.docs) > 0 {
		s.send(c, models.TypeKnowledge, a.docs)
	}
	if len(a.alerts) > 0 {
		s.send(c, models.TypeCompliance, a.alerts)
	}
	if a.suggestion == "" {
		return
	}

	s.send(c, models.TypeClearSuggestion, nil)
	for _, chunk := range chunks(a.suggestion) {
		s.send(c, models.TypeSuggestionChunk, models.SuggestionData{Text: chunk})
		if s.config.ChunkDelay > 0 {
			time.Sleep(s.config.ChunkDelay)
		}
	}
	s.send(c, models.TypeSuggestion, models.SuggestionData{Text: a.suggestion})
}

// Evaluation is the post-call summary.
type Evaluation struct {
	Utterances   int            `json:"utterances"`
	Speakers     map[string]int `json:"speakers"`
	Intents      []string       `json:"intents"`
	PolicyNumber string         `json:"policy_number,omitempty"`
	Resolved     bool           `json:"resolved"`
}

func (s *Server) onEndCall(c *call) {
	ev := Evaluation{
		Utterances: len(c.finals),
		Speakers:   c.speakers,
		Intents:    c.intents,
		Resolved:   c.member != nil,
	}
	if ev.Intents == nil {
		ev.Intents = []string{}
	}
	if c.member != nil {
		ev.PolicyNumber = c.member.PolicyNumber
	}
	s.send(c, models.TypePostCallEvaluation, ev)
	s.logger.Info().Int("utterances", ev.Utterances).Strs("intents", ev.Intents).Msg("Call evaluated")

	c.finals = nil
	c.speakers = make(map[string]int)
	c.intents = nil
	c.member = nil
}

func (s *Server) send(c *call, eventType string, data any) {
	env := envelope{Type: eventType, Data: data}
	c.writeMu.Lock()
	err := c.ws.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Msg("Write error")
		return
	}
	if s.hub != nil {
		s.hub.Publish(env)
	}
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
