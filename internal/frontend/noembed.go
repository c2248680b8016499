//go:build !embed

package frontend

import "net/http"

// Embedded returns nil when the binary was built without -tags embed.
func Embedded() http.Handler {
	return nil
}
