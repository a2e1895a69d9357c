package server

import (
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondOK(w, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
		"uptime_s":  int(time.Since(s.startedAt).Seconds()),
	})
}
