// Package web embeds the static frontend and provides an HTTP handler that
// serves it. The frontend is a single page talking to the JSON API and the
// message stream; there is no client-side routing to fall back for.
package web

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var staticFS embed.FS

// Handler returns an http.Handler serving the embedded frontend, with
// static/index.html at the root.
func Handler() http.Handler {
	subFS, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	return http.FileServer(http.FS(subFS))
}
