package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agendo-io/supervisor/internal/event"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/pkg/types"
)

// postControl decodes an AgendoControl body and publishes it on
// control:<sessionID> (spec.md §4.7, §6). Publishing rather than calling
// the local Registry directly keeps this endpoint correct regardless of
// which worker in the pool actually holds the session's claim: the
// publishing worker's own Runner is subscribed to the same channel and
// will deliver it synchronously if it is the owner, while the Postgres
// NOTIFY bridge carries it to the owning worker otherwise.
func (s *Server) postControl(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if s.store != nil {
		if _, err := s.store.Get(r.Context(), sessionID); err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	var ctrl types.AgendoControl
	if err := json.NewDecoder(r.Body).Decode(&ctrl); err != nil {
		http.Error(w, "invalid control payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ctrl.Type == "" {
		http.Error(w, "missing control type", http.StatusBadRequest)
		return
	}

	s.bus.Publish(r.Context(), event.ControlChannel(sessionID), &ctrl)
	logging.Debug().Str("session_id", sessionID).Str("type", string(ctrl.Type)).Msg("control accepted")

	w.WriteHeader(http.StatusAccepted)
}
