package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/windfall/kaiwa/pkg/response"
)

// AccessToken returns a middleware that requires the shared access token as
// a bearer token. Browsers opening a websocket cannot set headers, so a
// "token" query parameter is accepted too. An empty token disables the check.
func AccessToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.URL.Query().Get("token")
			if authHeader := r.Header.Get("Authorization"); authHeader != "" {
				parts := strings.SplitN(authHeader, " ", 2)
				if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
					response.Unauthorized(w, "invalid authorization format")
					return
				}
				presented = parts[1]
			}

			if presented == "" {
				response.Unauthorized(w, "missing access token")
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				response.Unauthorized(w, "invalid access token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
