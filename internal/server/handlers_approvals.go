package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opsagent/agent/internal/apperror"
)

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	list, err := s.approvals.ListPending(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, list)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req, err := s.approvals.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, req)
}

func (s *Server) handleApproveRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		ApprovedBy string `json:"approvedBy"`
		Reason     string `json:"reason"`
	}
	decodeBody(r, &body)
	if body.ApprovedBy == "" {
		respondError(w, apperror.Validation("approvedBy", "approvedBy is required"))
		return
	}

	req, err := s.approvals.Approve(r.Context(), id, body.ApprovedBy, body.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, req)
}

func (s *Server) handleRejectRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		RejectedBy string `json:"rejectedBy"`
		Reason     string `json:"reason"`
	}
	decodeBody(r, &body)
	if body.RejectedBy == "" {
		respondError(w, apperror.Validation("rejectedBy", "rejectedBy is required"))
		return
	}

	req, err := s.approvals.Reject(r.Context(), id, body.RejectedBy, body.Reason)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, req)
}
