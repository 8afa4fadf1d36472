package server

import (
	"log/slog"
	"net/http"

	"content-media-app/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with request-scoped fields:
// the request ID and client IP from the context plus the path and the source
// the client IP was taken from, so stage logs stay aligned on shared keys.
func loggingWithRequest(base *slog.Logger, r *http.Request) *slog.Logger {
	logger := logging.FromRequest(r, base)
	if logger == nil || r == nil {
		return logger
	}
	_, source := clientIP(r)
	return logger.With("path", r.URL.Path, "ip_source", source)
}
