package api

import (
	"net/http"
	"net/url"
	"strings"

	"keycloak-portal/internal/biz"
	"keycloak-portal/internal/platform"
)

// Sessions resolves the execution context and coordinator of a request.
type Sessions struct {
	Cookie  platform.SessionCookie
	Storage platform.StorageProvider
	Pool    *biz.CoordinatorPool
}

// Resolve returns the request's boundary and its coordinator. In browser
// context the session cookie is issued if missing.
func (s *Sessions) Resolve(w http.ResponseWriter, r *http.Request) (platform.Boundary, *biz.Coordinator) {
	b := platform.FromRequest(w, r, s.Cookie, s.Storage)
	return b, s.Pool.For(b)
}

// End drops the session's coordinator and expires its cookie.
func (s *Sessions) End(w http.ResponseWriter, b platform.Boundary) {
	if !b.IsBrowser() {
		return
	}
	s.Pool.Forget(b.SessionID())
	s.Cookie.Clear(w)
}

// safeReturnURL keeps local absolute paths only, so a crafted returnUrl
// cannot send the user to another site.
func safeReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return raw
}

func orHome(path string) string {
	if path == "" {
		return biz.HomePath
	}
	return path
}
