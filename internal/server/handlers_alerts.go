package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opsagent/agent/internal/apperror"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	history := s.alerts.History()
	if len(history) > 100 {
		history = history[len(history)-100:]
	}
	respondOK(w, map[string]any{
		"active":  s.alerts.Active(),
		"history": history,
	})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "dashboard"
	}

	var body struct {
		AcknowledgedBy string `json:"acknowledgedBy"`
	}
	decodeBody(r, &body)
	if body.AcknowledgedBy != "" {
		by = body.AcknowledgedBy
	}

	_, err := s.alerts.Acknowledge(r.Context(), id, by)
	if err != nil {
		respondError(w, apperror.NotFound("alert", id))
		return
	}
	respondOK(w, map[string]any{"success": true})
}
