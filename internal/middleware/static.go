package middleware

import (
	"net/http"
	"os"
	"path/filepath"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 200 200"><rect width="200" height="200" fill="#f0f0f0"/><rect x="40" y="40" width="120" height="120" fill="none" stroke="#999" stroke-width="6"/><text x="100" y="180" text-anchor="middle" font-family="Arial" font-size="14" fill="#666">QR EXPIRED</text></svg>`

// StaticFileServer serves generated deposit QR images. Intents expire
// and their images are reaped, so misses get a placeholder instead of
// a 404.
func StaticFileServer(dir string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(dir, filepath.Clean(r.URL.Path))

		if _, err := os.Stat(path); err == nil {
			w.Header().Set("Cache-Control", "public, max-age=2592000")
			http.ServeFile(w, r, path)
			return
		}

		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Write([]byte(placeholderSVG))
	})
}
