package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"call-assist-agent/internal/observability"
	"call-assist-agent/internal/observability/metrics"
	"call-assist-agent/internal/service/recognition"
	"call-assist-agent/internal/service/session"
)

// Session is the call control surface exposed to the local operator.
type Session interface {
	State() session.State
	StartCall(ctx context.Context) error
	EndCall() error
	NewCall()
	ResetState()
	ToggleListening(ctx context.Context) error
}

// NewRouter constructs the control API. ready reports whether the agent can
// serve a call; nil means always ready.
func NewRouter(sess Session, ready func() bool, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestMetrics(m))

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Call control
	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, sess.State())
		})
		r.Post("/call/start", func(w http.ResponseWriter, r *http.Request) {
			respond(w, sess, sess.StartCall(r.Context()))
		})
		r.Post("/call/end", func(w http.ResponseWriter, _ *http.Request) {
			respond(w, sess, sess.EndCall())
		})
		r.Post("/call/new", func(w http.ResponseWriter, _ *http.Request) {
			sess.NewCall()
			respond(w, sess, nil)
		})
		r.Post("/session/reset", func(w http.ResponseWriter, _ *http.Request) {
			sess.ResetState()
			respond(w, sess, nil)
		})
		r.Post("/listening/toggle", func(w http.ResponseWriter, r *http.Request) {
			respond(w, sess, sess.ToggleListening(r.Context()))
		})
	})

	return r
}

type errorResponse struct {
	Error string        `json:"error"`
	State session.State `json:"state"`
}

// respond writes the current snapshot, or the error alongside it. Call state
// changes are applied even when listening fails, so the snapshot is always
// included.
func respond(w http.ResponseWriter, sess Session, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, sess.State())
		return
	}
	log.Warn().Err(err).Msg("Control request failed")
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), State: sess.State()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, recognition.ErrBusy), errors.Is(err, recognition.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoRecognizer):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
