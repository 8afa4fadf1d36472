package server

import (
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"content-media-app/internal/observability/metrics"
)

type routerConfig struct {
	assets        fs.FS
	metricsPath   string
	recorder      *metrics.Recorder
	authRoutes    http.Handler
	contentRoutes http.Handler
	now           func() time.Time
}

func newRouter(cfg routerConfig) chi.Router {
	r := chi.NewRouter()

	health := healthHandler(cfg.now)
	r.Get(healthPath, health)
	r.Head(healthPath, health)
	if cfg.metricsPath != "" {
		r.Method(http.MethodGet, cfg.metricsPath, cfg.recorder.Handler())
	}

	r.Mount(authPrefix, mountGroup(authPrefix, cfg.authRoutes))
	r.Mount(contentPrefix, mountGroup(contentPrefix, cfg.contentRoutes))

	fallback := spaHandler(cfg.assets)
	r.NotFound(fallback.ServeHTTP)
	r.MethodNotAllowed(fallback.ServeHTTP)
	return r
}

// mountGroup hands a route group the request with prefix removed from the
// path, "/" when nothing remains. A nil group answers 501.
func mountGroup(prefix string, group http.Handler) http.Handler {
	if group == nil {
		group = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSONError(w, http.StatusNotImplemented, notImplementedMsg)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, prefix)
		if path == "" {
			path = "/"
		}
		r2 := r.Clone(r.Context())
		r2.URL.Path = path
		if r.URL.RawPath != "" {
			rawPath := strings.TrimPrefix(r.URL.RawPath, prefix)
			if rawPath == "" {
				rawPath = "/"
			}
			r2.URL.RawPath = rawPath
		}
		group.ServeHTTP(w, r2)
	})
}
