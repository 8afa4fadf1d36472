package server

import (
	"encoding/json"
	"net/http"
)

const (
	internalErrorMessage = "Internal server error"
	notFoundMessage      = "Not found"
	notImplementedMsg    = "Not implemented"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeJSONError normalises middleware and fallback errors to the
// {"error": "..."} shape.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
