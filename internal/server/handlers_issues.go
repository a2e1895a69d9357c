package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/types"
)

// handleProcessFeedback appends human feedback to an issue's timeline
// and, if the issue is still tied to a server, asks the chat LLM whether
// the feedback changes anything about the proposed remediation.
func (s *Server) handleProcessFeedback(w http.ResponseWriter, r *http.Request) {
	issueID := mux.Vars(r)["issueId"]

	var body struct {
		Feedback   string `json:"feedback"`
		AuthorName string `json:"authorName"`
	}
	decodeBody(r, &body)
	if body.Feedback == "" {
		respondError(w, apperror.Validation("feedback", "feedback is required"))
		return
	}
	if body.AuthorName == "" {
		body.AuthorName = "operator"
	}

	result, err := s.issues.AddFeedback(r.Context(), issueID, body.Feedback, body.AuthorName)
	if err != nil {
		respondError(w, err)
		return
	}

	if !result.ShouldFollowUp {
		respondOK(w, map[string]any{"success": true})
		return
	}

	timeline, err := s.issues.Timeline(r.Context(), issueID)
	if err != nil {
		s.log.Error("load timeline for feedback follow-up", zap.Error(err))
		respondOK(w, map[string]any{"success": true})
		return
	}

	issueCtx := fmt.Sprintf("%s (%s): %s", result.Issue.Title, result.Issue.Severity, result.Issue.Description)
	timelineText := renderTimeline(timeline)

	analysis, err := s.chat.FollowUpOnFeedback(r.Context(), issueCtx, timelineText, body.Feedback)
	if err != nil {
		respondOK(w, map[string]any{"success": true, "error": err.Error()})
		return
	}

	respondOK(w, map[string]any{"success": true, "analysis": analysis})
}

func renderTimeline(entries []*types.IssueComment) string {
	var b strings.Builder
	for _, c := range entries {
		fmt.Fprintf(&b, "[%s] %s: %s\n", c.Type, c.AuthorName, c.Content)
	}
	return b.String()
}
