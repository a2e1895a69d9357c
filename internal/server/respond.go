package server

import (
	"encoding/json"
	"net/http"

	"github.com/opsagent/agent/internal/apperror"
)

// successEnvelope is the shape of a non-error JSON response: the
// payload is nested under "data" next to success:true.
type successEnvelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// errorEnvelope is §7's required error shape: a flat success/error pair,
// not apperror's richer {code,field,message} structure.
type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondOK writes data wrapped in {success:true, data:...}.
func respondOK(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, successEnvelope{Success: true, Data: data})
}

// respondError maps err to an HTTP status and §7's {success:false,
// error} shape. apperror.Error values map through their declared code;
// anything else is a 500 carrying the error's own message.
func respondError(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperror.Error); ok {
		respondJSON(w, apperror.StatusCode(ae.Code), errorEnvelope{Error: ae.Message})
		return
	}
	respondJSON(w, http.StatusInternalServerError, errorEnvelope{Error: err.Error()})
}

func respondErrorStatus(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorEnvelope{Error: message})
}
