package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dealdesk/leadscraper/internal/progress"
)

// streamStatus handles GET /api/scrape/{session_id}/status as a Server-Sent
// Events stream. The first event is a snapshot of the stored session.
// Heartbeats are sent as comments. The stream ends CompleteGrace after the
// session reaches a terminal status, or when the client disconnects.
func (s *Server) streamStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sub, err := s.events.Subscribe(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "failed to subscribe")
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var grace <-chan time.Time
	for {
		select {
		case <-r.Context().Done():
			return
		case <-grace:
			return
		case evt, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				s.logger.Debug("event stream write failed", zap.String("session_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
			if grace == nil && (evt.Kind == progress.KindComplete || evt.Status.Terminal()) {
				grace = time.After(s.opts.CompleteGrace)
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, evt progress.Event) error {
	if evt.Kind == progress.KindHeartbeat {
		_, err := fmt.Fprintf(w, ": heartbeat %d\n\n", evt.TS.Unix())
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}
