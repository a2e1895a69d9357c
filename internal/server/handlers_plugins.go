package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/opsagent/agent/internal/apperror"
	"github.com/opsagent/agent/internal/plugins"
)

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := s.store.ListPlugins(ctx)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, list)
}

func (s *Server) handleListServerPlugins(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	respondOK(w, s.plugins.GetServerInstances(sid))
}

func (s *Server) handleCreateServerPlugin(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]

	var body struct {
		PluginID string         `json:"pluginId"`
		Config   map[string]any `json:"config"`
	}
	decodeBody(r, &body)
	if body.PluginID == "" {
		respondError(w, apperror.Validation("pluginId", "pluginId is required"))
		return
	}

	inst, err := s.plugins.CreateInstance(r.Context(), body.PluginID, sid, body.Config)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, inst)
}

func (s *Server) handleGetServerPlugin(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	meta, err := s.plugins.InstanceMeta(iid)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, meta)
}

func (s *Server) handleDeleteServerPlugin(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	if err := s.plugins.RemoveInstance(r.Context(), iid); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"success": true})
}

func (s *Server) handlePluginHealth(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	status, message, err := s.plugins.GetInstanceHealth(iid)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": status, "message": message})
}

func (s *Server) handlePluginTools(w http.ResponseWriter, r *http.Request) {
	iid := mux.Vars(r)["iid"]
	tools, err := s.plugins.GetInstanceTools(iid)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, tools)
}

func (s *Server) handlePluginExecute(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sid, iid := vars["sid"], vars["iid"]

	var body struct {
		Tool       string         `json:"tool"`
		Params     map[string]any `json:"params"`
		ApprovalID string         `json:"approvalId"`
	}
	decodeBody(r, &body)
	if body.Tool == "" {
		respondError(w, apperror.Validation("tool", "tool is required"))
		return
	}

	result, err := s.plugins.ExecuteTool(r.Context(), iid, body.Tool, body.Params, plugins.ToolContext{
		ServerID:   sid,
		ApprovalID: body.ApprovalID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, result)
}
