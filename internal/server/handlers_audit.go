package server

import (
	"net/http"
	"strconv"

	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
)

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		ServerID:  q.Get("serverId"),
		PluginID:  q.Get("pluginId"),
		SessionID: q.Get("sessionId"),
		RiskLevel: types.RiskLevel(q.Get("riskLevel")),
		Status:    types.AuditStatus(q.Get("status")),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if since, err := strconv.ParseInt(q.Get("since"), 10, 64); err == nil {
		filter.SinceTs = since
	}

	entries, err := s.audit.Query(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, entries)
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.audit.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, stats)
}
