package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth guards mutating routes with a static API token. Session and
// login flows live outside this service.
func BearerAuth(token string) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if expected == "" {
				http.Error(w, "authentication not configured", http.StatusServiceUnavailable)
				return
			}
			header := strings.TrimSpace(req.Header.Get("Authorization"))
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			presented := strings.TrimSpace(strings.TrimPrefix(header, prefix))
			if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}
