package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// BearerMiddleware validates the ID token sent as "Authorization: Bearer <token>"
// and puts its claims into the request context.
func (c *KeycloakClient) BearerMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}

			// Verify ID token signature and extract claims (stateless)
			idToken, err := c.VerifyIDToken(r.Context(), raw)
			if err != nil {
				writeUnauthorized(w, "invalid or expired token")
				return
			}

			var userInfo UserInfo
			if err := idToken.Claims(&userInfo); err != nil {
				writeUnauthorized(w, "failed to parse token claims")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), &userInfo)))
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	// Support "Bearer <token>" format
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}
