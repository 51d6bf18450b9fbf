package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flowlens/flowlens/infrastructure/httputil"
)

// handleListChangeEvents reads ?since=<RFC3339>&limit=<n>, defaulting to
// the last 24h and a limit of 100.
func (s *Service) handleListChangeEvents(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := httputil.QueryString(r, "since", ""); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.BadRequest(w, "since must be RFC3339")
			return
		}
		since = parsed
	}
	limit := httputil.QueryInt(r, "limit", 100)

	events, err := s.changes.Since(r.Context(), since, limit)
	if err != nil {
		s.logErr(r, "list_change_events", err)
		httputil.InternalError(w, "failed to list change events")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, events)
}

// handleAckAlert implements the unacknowledged -> acknowledged transition
// of spec §4.8. ?by=<actor> identifies who acknowledged; the external
// auth shell resolves that identity.
func (s *Service) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]
	by := httputil.QueryString(r, "by", "unknown")

	if err := s.alerts.Acknowledge(r.Context(), alertID, by, time.Now()); err != nil {
		s.logErr(r, "ack_alert", err)
		httputil.InternalError(w, "failed to acknowledge alert")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

// handleResolveAlert implements the (acknowledged|unacknowledged) ->
// resolved transition, which implies acknowledgement.
func (s *Service) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]
	by := httputil.QueryString(r, "by", "unknown")

	if err := s.alerts.Resolve(r.Context(), alertID, by, time.Now()); err != nil {
		s.logErr(r, "resolve_alert", err)
		httputil.InternalError(w, "failed to resolve alert")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
