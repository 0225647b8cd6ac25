package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireKey guards admin routes with a static API key, accepted either as
// "Authorization: Bearer <key>" or an X-API-Key header. An empty configured
// key disables the guard for single-operator deployments behind a firewall.
func RequireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(requestKey(r)), []byte(key)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return r.Header.Get("X-API-Key")
}
