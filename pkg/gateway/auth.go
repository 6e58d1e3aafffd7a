package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthHandler checks the bearer token on incoming requests
type AuthHandler struct {
	token string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(token string) *AuthHandler {
	return &AuthHandler{
		token: token,
	}
}

// Authorize reports whether the request carries the configured token,
// either as an Authorization bearer header or, for websocket clients that
// cannot set headers, as a token query parameter.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	presented := ""

	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		presented = strings.TrimPrefix(header, "Bearer ")
	} else if token := r.URL.Query().Get("token"); token != "" {
		presented = token
	}

	if presented == "" {
		return false
	}

	// Constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(a.token), []byte(presented)) == 1
}

// Middleware rejects unauthorized requests with a JSON 401
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Authorize(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
