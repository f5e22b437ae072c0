// Package webui embeds the static admin console and the map overlay
// script served to browsers through the map proxy.
package webui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var static embed.FS

// AdminHandler serves the admin console at the mount prefix.
func AdminHandler() http.Handler {
	sub, err := fs.Sub(static, "static/admin")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(sub))
}

// OverlayScript returns the projection overlay injected into proxied map
// pages.
func OverlayScript() []byte {
	data, err := static.ReadFile("static/overlay/projection.js")
	if err != nil {
		panic(err)
	}
	return data
}
