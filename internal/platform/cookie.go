package platform

import (
	"net/http"

	"github.com/google/uuid"
)

// SessionCookie issues and reads the opaque browser session id.
type SessionCookie struct {
	Name   string
	Secure bool
}

// Read returns the session id carried by r, if it is a well-formed UUID.
func (c SessionCookie) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.Name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return "", false
	}
	return cookie.Value, true
}

// Ensure returns the existing session id or issues a new one on w.
func (c SessionCookie) Ensure(w http.ResponseWriter, r *http.Request) string {
	if id, ok := c.Read(r); ok {
		return id
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// Clear expires the session cookie.
func (c SessionCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		MaxAge:   -1,
	})
}

// FromRequest detects the execution context of r and returns its boundary.
// In browser context the session cookie is issued if missing.
func FromRequest(w http.ResponseWriter, r *http.Request, cookie SessionCookie, storage StorageProvider) Boundary {
	if Detect(r) == Server || w == nil {
		return ServerBoundary()
	}
	id := cookie.Ensure(w, r)
	return BrowserBoundary(id, storage.Partition(id))
}
