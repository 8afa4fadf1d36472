// Package web carries the placeholder bundle served when no frontend build is
// present on disk.
package web

import (
	"embed"
	"io/fs"
)

//go:embed static/*
var staticFiles embed.FS

// Static returns a filesystem rooted at the bundled placeholder assets.
func Static() (fs.FS, error) {
	return fs.Sub(staticFiles, "static")
}
