package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"keycloak-portal/internal/biz"
	"keycloak-portal/internal/metrics"
	"keycloak-portal/internal/platform"

	"github.com/gorilla/mux"
)

const (
	silentCheckSSOPath = "/assets/silent-check-sso.html"
	assetsCacheControl = "public, max-age=31536000"

	msgStorageCleared = "Browser storage cleared. For a complete reset, manually clear cookies and cache in your browser settings, then reload the page."
)

// skipRenderMarkers route any URL containing them to the static shell.
var skipRenderMarkers = []string{"/silent-check-sso.html", "/keycloak"}

var loginErrors = map[string]string{
	"state":    "Your login attempt expired. Please try again.",
	"provider": "Cannot connect to server, please try again later",
	"denied":   "Login failed. Please try again.",
}

// Renderer renders a named page into w.
type Renderer interface {
	Render(w io.Writer, page string, data any) error
}

// PageHandler server-renders the portal pages and serves the static shell.
type PageHandler struct {
	pages    PageService
	sessions *Sessions
	guard    *biz.RouteGuard
	routes   biz.Routes
	renderer Renderer
	static   fs.FS
	keycloak KeycloakJSON
	onLoad   string
	logger   *slog.Logger
}

// PageOptions configures a PageHandler.
type PageOptions struct {
	Sessions *Sessions
	Guard    *biz.RouteGuard
	Routes   biz.Routes
	Renderer Renderer
	// Static holds index.html and assets/.
	Static   fs.FS
	Keycloak KeycloakJSON
	// OnLoad is the identity client init mode: check-sso or login-required.
	OnLoad string
	Logger *slog.Logger
}

// NewPageHandler 创建 PageHandler
func NewPageHandler(pages PageService, opts PageOptions) *PageHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Routes == nil {
		opts.Routes = biz.DefaultRoutes()
	}
	if opts.Guard == nil {
		opts.Guard = biz.NewRouteGuard(opts.Logger)
	}
	return &PageHandler{
		pages:    pages,
		sessions: opts.Sessions,
		guard:    opts.Guard,
		routes:   opts.Routes,
		renderer: opts.Renderer,
		static:   opts.Static,
		keycloak: opts.Keycloak,
		onLoad:   opts.OnLoad,
		logger:   opts.Logger,
	}
}

// RegisterRoutes registers the page routes. The catch-all renderer goes last.
func (h *PageHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/status", ServerStatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/session", h.sessionStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/session/events", h.events).Methods(http.MethodGet)
	r.HandleFunc("/keycloak.json", h.keycloakJSON).Methods(http.MethodGet)
	r.HandleFunc(silentCheckSSOPath, h.silentCheckSSO).Methods(http.MethodGet)
	r.PathPrefix("/assets/").Handler(h.assets())

	r.HandleFunc("/profile", h.updateProfile).Methods(http.MethodPost)
	r.HandleFunc("/debug/status", h.refreshStatus).Methods(http.MethodPost)
	r.HandleFunc("/debug/clear", h.clearStorage).Methods(http.MethodPost)

	r.PathPrefix("/").HandlerFunc(h.render).Methods(http.MethodGet, http.MethodHead)
}

func (h *PageHandler) keycloakJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.keycloak)
}

func (h *PageHandler) silentCheckSSO(w http.ResponseWriter, r *http.Request) {
	body, err := fs.ReadFile(h.static, strings.TrimPrefix(silentCheckSSOPath, "/"))
	if err != nil {
		h.logger.Error("silent-check-sso file missing", "error", err)
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(body)
}

// assets serves the static tree without directory listings.
func (h *PageHandler) assets() http.Handler {
	sub, err := fs.Sub(h.static, "assets")
	if err != nil {
		panic(fmt.Sprintf("invalid static tree: %v", err))
	}
	files := http.StripPrefix("/assets/", http.FileServerFS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", assetsCacheControl)
		files.ServeHTTP(w, r)
	})
}

// serveIndex writes the static shell.
func (h *PageHandler) serveIndex(w http.ResponseWriter) {
	body, err := fs.ReadFile(h.static, "index.html")
	if err != nil {
		h.logger.Error("index.html missing", "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// render is the server-side rendering entry point for every page route.
func (h *PageHandler) render(w http.ResponseWriter, r *http.Request) {
	for _, marker := range skipRenderMarkers {
		if strings.Contains(r.URL.Path, marker) {
			h.serveIndex(w)
			return
		}
	}

	ctx := r.Context()
	boundary, coord := h.sessions.Resolve(w, r)
	route, _ := h.routes.Match(r.URL.Path)
	if route.RedirectTo != "" {
		http.Redirect(w, r, route.RedirectTo, http.StatusFound)
		return
	}

	decision := h.guard.CanActivate(ctx, coord, route, r.URL.RequestURI())
	if !decision.Allow {
		http.Redirect(w, r, decision.Redirect, http.StatusFound)
		return
	}

	var content any
	query := r.URL.Query()
	switch route.Name {
	case "login":
		h.login(w, r, boundary, coord, route)
		return
	case "home":
		content = h.pages.Home(ctx, coord)
	case "profile":
		v := h.pages.Profile(ctx, coord)
		v.Editing = v.Profile != nil && query.Get("edit") != ""
		content = v
	case "debug":
		v := h.pages.Diagnostics(ctx, coord, query.Get("run") != "")
		if query.Get("msg") == "cleared" {
			v.Message = msgStorageCleared
		}
		content = v
	case "unauthorized":
		content = h.pages.Unauthorized(ctx, coord)
	default:
		content = struct{}{}
	}
	h.renderPage(w, r, boundary, coord, route, content)
}

// login starts the provider redirect when the guard sent the user here.
// With check-sso the first attempt is silent (prompt=none).
func (h *PageHandler) login(w http.ResponseWriter, r *http.Request, b platform.Boundary, coord *biz.Coordinator, route biz.Route) {
	ctx := r.Context()
	query := r.URL.Query()
	returnURL := safeReturnURL(query.Get("returnUrl"))

	if coord.IsLoggedIn(ctx) {
		http.Redirect(w, r, orHome(returnURL), http.StatusFound)
		return
	}

	view := LoginView{ReturnURL: returnURL, Error: loginErrors[query.Get("error")]}
	autoStart := returnURL != "" || h.onLoad == "login-required"
	if coord.CanLogin() && autoStart && view.Error == "" {
		opts := &biz.LoginOptions{RedirectURI: orHome(returnURL)}
		if h.onLoad == "check-sso" && query.Get("sso") != "done" {
			opts.Prompt = "none"
		}
		target, err := coord.Login(ctx, opts)
		if err == nil && target != "" {
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
		if err != nil {
			view.Error = loginErrors["provider"]
		}
	}
	h.renderPage(w, r, b, coord, route, view)
}

func (h *PageHandler) renderPage(w http.ResponseWriter, r *http.Request, b platform.Boundary, coord *biz.Coordinator, route biz.Route, content any) {
	ctx := r.Context()
	page := PageView{
		Title:   route.Title,
		Route:   r.URL.RequestURI(),
		Context: b.Kind().String(),
		Header:  h.pages.Header(ctx, coord),
		Content: content,
	}
	if !route.Protected {
		page.Route = biz.HomePath
	}

	var buf bytes.Buffer
	if err := h.safeRender(&buf, route.Name, page); err != nil {
		h.logger.Error("render failed, serving static shell", "page", route.Name, "error", err)
		metrics.RenderFallbacks.Inc()
		h.serveIndex(w)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	buf.WriteTo(w)
}

func (h *PageHandler) safeRender(w io.Writer, page string, data any) (err error) {
	if h.renderer == nil {
		return errors.New("no renderer configured")
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("renderer panic: %v", rec)
		}
	}()
	return h.renderer.Render(w, page, data)
}

// updateProfile handles the profile edit form.
func (h *PageHandler) updateProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	boundary, coord := h.sessions.Resolve(w, r)
	route, _ := h.routes.Match("/profile")

	if decision := h.guard.CanActivate(ctx, coord, route, route.Path); !decision.Allow {
		http.Redirect(w, r, decision.Redirect, http.StatusSeeOther)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid form: " + err.Error()})
		return
	}

	view, err := h.pages.UpdateProfile(ctx, coord, ProfileForm{
		FirstName: strings.TrimSpace(r.PostFormValue("firstName")),
		LastName:  strings.TrimSpace(r.PostFormValue("lastName")),
		Email:     strings.TrimSpace(r.PostFormValue("email")),
		Phone:     strings.TrimSpace(r.PostFormValue("phone")),
	})
	if errors.Is(err, biz.ErrSessionExpired) {
		http.Redirect(w, r, biz.LoginRedirect(route.Path), http.StatusSeeOther)
		return
	}
	h.renderPage(w, r, boundary, coord, route, view)
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// refreshStatus forces a status recomputation.
func (h *PageHandler) refreshStatus(w http.ResponseWriter, r *http.Request) {
	_, coord := h.sessions.Resolve(w, r)
	st := coord.UpdateStatus(r.Context())
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, NewStatusView(st, time.Now()))
		return
	}
	http.Redirect(w, r, "/debug", http.StatusSeeOther)
}

// clearStorage wipes the browser session's storage partition.
func (h *PageHandler) clearStorage(w http.ResponseWriter, r *http.Request) {
	boundary, _ := h.sessions.Resolve(w, r)
	if storage, ok := boundary.Storage(); ok {
		if err := storage.Clear(r.Context()); err != nil {
			h.logger.Error("failed to clear browser storage", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to clear storage"})
			return
		}
		h.sessions.Pool.Forget(boundary.SessionID())
	}
	http.Redirect(w, r, "/debug?"+url.Values{"msg": {"cleared"}}.Encode(), http.StatusSeeOther)
}

// sessionStatus returns the latest status snapshot of the caller's session.
func (h *PageHandler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	_, coord := h.sessions.Resolve(w, r)
	st := coord.Status()
	if st.Seq == 0 {
		st = coord.UpdateStatus(r.Context())
	}
	writeJSON(w, http.StatusOK, NewStatusView(st, time.Now()))
}

// statusContext bounds how long an SSE stream may stay open.
func statusContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 30*time.Minute)
}
