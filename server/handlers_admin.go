package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/gigglebyte/telemetry"
)

// HandleAdminSessions lists every running session.
func (h *Handlers) HandleAdminSessions(w http.ResponseWriter, r *http.Request) {
	list := h.Sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

// HandleAdminStopSession stops one tenant's session. The user's saved
// settings are untouched, so the bot comes back on the next restart or
// settings change.
func (h *Handlers) HandleAdminStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if _, ok := h.Sessions.Get(id); !ok {
		writeError(w, http.StatusNotFound, "no session for tenant")
		return
	}
	h.Sessions.Stop(id)
	telemetry.LoggerWithCorr(r.Context()).Info("session stopped by admin", slog.String("tenant", id), slog.String("component", "admin"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "tenantId": id})
}
