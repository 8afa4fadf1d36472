package server

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"content-media-app/web"
)

const indexFile = "index.html"

// loadAssets opens the frontend build at dir. When dir has no index.html the
// embedded placeholder bundle is served instead so the fallback route still
// answers.
func loadAssets(dir string, logger *slog.Logger) (fs.FS, error) {
	if dir != "" {
		assets := os.DirFS(dir)
		if _, err := fs.Stat(assets, indexFile); err == nil {
			return assets, nil
		} else if logger != nil {
			logger.Warn("frontend build not found, serving placeholder", "static_dir", dir, "error", err)
		}
	}
	assets, err := web.Static()
	if err != nil {
		return nil, fmt.Errorf("load embedded assets: %w", err)
	}
	return assets, nil
}

// spaHandler serves real files from staticFS and answers every other GET or
// HEAD with index.html so the client-side router can resolve the path.
func spaHandler(staticFS fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(staticFS))

	return ErrorHandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			writeJSONError(w, http.StatusNotFound, notFoundMessage)
			return nil
		}

		requested := strings.TrimPrefix(r.URL.Path, "/")
		if requested != "" && requested != indexFile {
			if info, err := fs.Stat(staticFS, requested); err == nil && !info.IsDir() {
				fileServer.ServeHTTP(w, r)
				return nil
			}
		}

		index, err := fs.ReadFile(staticFS, indexFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", indexFile, err)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return nil
		}
		_, _ = w.Write(index)
		return nil
	})
}
