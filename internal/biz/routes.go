package biz

import "strings"

// Route is one entry of the navigation table.
type Route struct {
	Path  string
	Name  string
	Title string
	// Protected routes require a logged-in user.
	Protected bool
	// Roles, if set, require at least one of them (case-insensitive).
	Roles []string
	// RedirectTo makes the route a redirect.
	RedirectTo string
}

// Paths of the public routes the guard redirects to.
const (
	LoginPath        = "/login"
	UnauthorizedPath = "/unauthorized"
	HomePath         = "/"
)

// Routes is the navigation table. The entry with Path "*" matches anything else.
type Routes []Route

// DefaultRoutes returns the portal's navigation table.
func DefaultRoutes() Routes {
	return Routes{
		{Path: LoginPath, Name: "login", Title: "Login"},
		{Path: HomePath, Name: "home", Title: "Home", Protected: true},
		{Path: "/profile", Name: "profile", Title: "Profile", Protected: true, Roles: []string{"user", "admin"}},
		{Path: "/dashboard", Name: "dashboard", Title: "Dashboard", Protected: true},
		{Path: "/debug", Name: "debug", Title: "Diagnostics"},
		{Path: UnauthorizedPath, Name: "unauthorized", Title: "Access Denied"},
		{Path: "*", RedirectTo: HomePath},
	}
}

// Match returns the route for path, falling back to the wildcard entry.
func (rs Routes) Match(path string) (Route, bool) {
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}
	var wildcard *Route
	for i := range rs {
		switch rs[i].Path {
		case path:
			return rs[i], true
		case "*":
			wildcard = &rs[i]
		}
	}
	if wildcard != nil {
		return *wildcard, true
	}
	return Route{}, false
}

// Public returns the routes that can be rendered without a browser session.
func (rs Routes) Public() Routes {
	var out Routes
	for _, r := range rs {
		if !r.Protected && r.RedirectTo == "" && r.Path != "*" {
			out = append(out, r)
		}
	}
	return out
}
