package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokenAuth accepts either "Authorization: Bearer <token>" or the token in
// the named API key header.
func TokenAuth(token, keyHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validToken(r, token, keyHeader) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing API token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func validToken(r *http.Request, token, keyHeader string) bool {
	if token == "" {
		return false
	}
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) == 1
	}
	if keyHeader != "" {
		if key := r.Header.Get(keyHeader); key != "" {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1
		}
	}
	return false
}
