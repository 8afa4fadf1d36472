package server

import (
	"errors"
	"log/slog"
	"net/http"

	"content-media-app/internal/observability/logging"
	"content-media-app/internal/observability/metrics"
)

// errorStage is the terminal stage every failure ends in. It logs the error
// with the request context and answers with a generic 500; nothing from err
// reaches the client.
type errorStage struct {
	logger   *slog.Logger
	recorder *metrics.Recorder
}

func newErrorStage(logger *slog.Logger, recorder *metrics.Recorder) *errorStage {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &errorStage{logger: logger, recorder: recorder}
}

func (s *errorStage) handle(w *metrics.ResponseRecorder, r *http.Request, err error) {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	logger := logging.FromRequest(r, s.logger)

	kind := "error"
	attrs := []any{"method", r.Method, "path", r.URL.Path, "error", err}
	var pe *panicError
	if errors.As(err, &pe) {
		kind = "panic"
		attrs = append(attrs, "stack", string(pe.stack))
	}
	s.recorder.ObserveHandlerFailure(kind)

	if w.Written() {
		logger.Error("request failed after response started", attrs...)
		return
	}
	logger.Error("request failed", attrs...)
	writeJSONError(w, http.StatusInternalServerError, internalErrorMessage)
}
