package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/orchestrator"
	"github.com/dealdesk/leadscraper/internal/scrape"
)

// startSession handles POST /api/scrape/start. It answers 202 with
// {"sessionId","status":"started"}, or 400 with {"error","fields"} when the
// request is invalid.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	req := orchestrator.StartRequest{Config: scrape.DefaultConfig()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	session, err := s.service.Start(r.Context(), ownerFrom(r.Context()), req)
	if err != nil {
		s.writeServiceError(w, err, "failed to start session")
		return
	}
	if s.opts.Enqueuer != nil {
		if err := s.opts.Enqueuer.Enqueue(r.Context(), session.ID); err != nil {
			s.logger.Warn("enqueue session failed", zap.String("session_id", session.ID), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": session.ID,
		"status":    "started",
	})
}

// processSession handles POST /api/scrape/{session_id}/process and returns
// {"status","progress","hasMore"}.
func (s *Server) processSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	result, err := s.service.Step(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "failed to process session")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// stopSession handles POST /api/scrape/{session_id}/stop.
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	session, err := s.service.Stop(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "failed to stop session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   session.Status,
		"progress": session.Progress,
	})
}

// getSession handles GET /api/scrape/{session_id}. Logs and results stay
// readable after the session ends.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	session, ok := s.loadOwned(w, r)
	return session.ID, ok
}

// loadOwned answers 404 for sessions that belong to another principal.
func (s *Server) loadOwned(w http.ResponseWriter, r *http.Request) (scrape.Session, bool) {
	id := chi.URLParam(r, "session_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return scrape.Session{}, false
	}
	session, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "failed to load session")
		return scrape.Session{}, false
	}
	if session.OwnerID != ownerFrom(r.Context()) {
		writeError(w, http.StatusNotFound, scrape.ErrNotFound.Error())
		return scrape.Session{}, false
	}
	return session, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, msg string) {
	var verr *scrape.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": verr.Fields,
		})
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusNotFound, scrape.ErrNotFound.Error())
	case errors.Is(err, scrape.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, scrape.ErrUnauthorized.Error())
	default:
		s.logger.Error(msg, zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}
