package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"speaker-transcript-service/internal/app"
	"speaker-transcript-service/internal/models"
	"speaker-transcript-service/internal/service/persist"
)

// NewRouter constructs the HTTP router for the service. hub serves the live
// transcript stream; it must also be registered as an observer with the
// application to receive entries.
func NewRouter(application *app.Application, hub *Hub) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// API routes
	r.Route("/v1", func(r chi.Router) {
		r.Get("/transcript", func(w http.ResponseWriter, _ *http.Request) {
			snap, err := application.Snapshot()
			if errors.Is(err, app.ErrNoSession) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})
		r.Handle("/transcript/stream", hub)

		r.Get("/sessions/{sessionID}/transcript", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "sessionID")
			entries, err := application.Archived(r.Context(), id)
			switch {
			case errors.Is(err, app.ErrArchiveDisabled):
				writeError(w, http.StatusNotImplemented, err)
				return
			case errors.Is(err, persist.ErrInvalidSessionID):
				writeError(w, http.StatusBadRequest, err)
				return
			case err != nil:
				log.Error().Err(err).Str("sessionId", id).Msg("Archive read failed")
				writeError(w, http.StatusInternalServerError, err)
				return
			case len(entries) == 0:
				writeError(w, http.StatusNotFound, errors.New("transcript not found"))
				return
			}
			writeJSON(w, http.StatusOK, models.NewTranscriptFinal(id, entries))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
