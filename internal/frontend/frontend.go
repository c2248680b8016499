// Package frontend serves the static client page.
package frontend

import (
	"net/http"
	"os"
)

// Handler picks the source for the client page. In dev mode, or when the
// binary carries no embedded copy, files are served from dir. It returns
// nil if neither source is available.
func Handler(dir string, dev bool) http.Handler {
	if !dev {
		if h := Embedded(); h != nil {
			return h
		}
	}
	if dir == "" {
		return nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}
	return http.FileServer(http.Dir(dir))
}
