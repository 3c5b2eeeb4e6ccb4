package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/TobiSchelling/reviewflow/internal/review"
)

// Events is a live source of notification events, normally a *notify.Bus
// registered as a relay sink.
type Events interface {
	Subscribe(buffer int) (<-chan review.NotificationEvent, func())
}

// WithEvents enables the GET /events stream.
func (s *Server) WithEvents(events Events) *Server {
	s.events = events
	return s
}

// handleEvents streams delivered notification events as server-sent events.
// A subject query parameter restricts the stream to one subject.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}
	var subjectID int64
	if v := r.URL.Query().Get("subject"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid subject id"})
			return
		}
		subjectID = id
	}

	ch, unsubscribe := s.events.Subscribe(16)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if subjectID != 0 && e.SubjectID != subjectID {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("encoding event", "event", e.ID, "error", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Transition.To, data)
			flusher.Flush()
		}
	}
}
