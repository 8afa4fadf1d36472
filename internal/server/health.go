package server

import (
	"net/http"
	"time"
)

const (
	healthMessage   = "Content Media App API is running"
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

type healthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// healthHandler reports liveness only. It never consults the database, so a
// down database does not fail the check.
func healthHandler(now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:    "OK",
			Message:   healthMessage,
			Timestamp: now().UTC().Format(timestampLayout),
		})
	}
}
