package server

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/opsagent/agent/internal/apperror"
)

func (s *Server) handleAgentResults(w http.ResponseWriter, r *http.Request) {
	alertID := r.URL.Query().Get("alertId")
	if alertID == "" {
		respondError(w, apperror.Validation("alertId", "alertId query parameter is required"))
		return
	}
	result, err := s.remediation.Results(r.Context(), alertID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, result)
}

func (s *Server) handleAgentApprove(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	alertID := vars["alertId"]
	idx, err := strconv.Atoi(vars["actionIndex"])
	if err != nil {
		respondError(w, apperror.Validation("actionIndex", "actionIndex must be an integer"))
		return
	}

	var body struct {
		ApprovedBy string `json:"approvedBy"`
	}
	decodeBody(r, &body)
	if body.ApprovedBy == "" {
		body.ApprovedBy = "dashboard"
	}

	action, err := s.remediation.ApproveAction(r.Context(), alertID, idx, body.ApprovedBy)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, action)
}
