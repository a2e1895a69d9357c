package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/types"
)

func nowPtr() *time.Time {
	t := time.Now()
	return &t
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("serverId")
	if serverID == "" {
		respondError(w, apperror.Validation("serverId", "serverId query parameter is required"))
		return
	}

	sessions, err := s.store.ListChatSessionsByServer(r.Context(), serverID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ServerID    string   `json:"serverId"`
		InstanceIDs []string `json:"instanceIds"`
		Title       string   `json:"title"`
		CreatedBy   string   `json:"createdBy"`
	}
	decodeBody(r, &body)
	if body.ServerID == "" {
		respondError(w, apperror.Validation("serverId", "serverId is required"))
		return
	}

	session, err := s.chat.CreateSession(r.Context(), body.ServerID, body.InstanceIDs, body.Title, body.CreatedBy)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	session, err := s.store.GetChatSession(r.Context(), sid)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	session, err := s.store.GetChatSession(r.Context(), sid)
	if err != nil {
		respondError(w, err)
		return
	}
	now := nowPtr()
	session.Status = types.SessionClosed
	session.ClosedAt = now
	if err := s.store.UpdateChatSession(r.Context(), session); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, session)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	msgs, err := s.store.ListChatMessages(r.Context(), sid)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, msgs)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]

	var body struct {
		Message string `json:"message"`
		UserID  string `json:"userId"`
	}
	decodeBody(r, &body)
	if body.Message == "" {
		respondError(w, apperror.Validation("message", "message is required"))
		return
	}

	var events []map[string]any
	for ev := range s.chat.HandleTurn(r.Context(), sid, body.Message, body.UserID) {
		events = append(events, map[string]any{
			"type":            ev.Type,
			"message":         ev.Message,
			"toolName":        ev.ToolName,
			"toolCallId":      ev.ToolCallID,
			"result":          ev.Result,
			"approvalRequest": ev.ApprovalRequest,
			"error":           ev.Err,
		})
	}
	respondOK(w, map[string]any{"events": events})
}
