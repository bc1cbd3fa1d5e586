package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"keycloak-portal/internal/api"
	"keycloak-portal/internal/auth"
	"keycloak-portal/internal/biz"
	"keycloak-portal/internal/conf"
	"keycloak-portal/internal/data"
	"keycloak-portal/internal/platform"
	"keycloak-portal/internal/server"
	"keycloak-portal/internal/service"
	"keycloak-portal/web"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	flagconf string
	verbose  bool
	outDir   string
	logger   *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "portal",
	Short:         "Keycloak-gated portal with server-side rendering",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the portal HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := conf.Load(flagconf)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var prerenderCmd = &cobra.Command{
	Use:   "prerender",
	Short: "Render the public pages in server context into static files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := conf.Load(flagconf)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return prerender(cmd.Context(), cfg, outDir)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagconf, "conf", "configs/config.yaml", "config path, eg: --conf config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	prerenderCmd.Flags().StringVar(&outDir, "out", "dist", "output directory")
	rootCmd.AddCommand(serveCmd, prerenderCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// staticFS returns the browser bundle: the configured directory, or the embedded one.
func staticFS(cfg *conf.Config) fs.FS {
	if cfg.Server.StaticDir != "" {
		return os.DirFS(cfg.Server.StaticDir)
	}
	return web.Static()
}

func keycloakJSON(cfg *conf.Config) api.KeycloakJSON {
	return api.KeycloakJSON{
		Realm:         cfg.Keycloak.Realm,
		AuthServerURL: cfg.Keycloak.URL,
		SSLRequired:   cfg.Keycloak.SSLRequired,
		Resource:      cfg.Keycloak.ClientID,
		PublicClient:  cfg.Keycloak.ClientSecret == "",
	}
}

func serve(ctx context.Context, cfg *conf.Config) error {
	// 手动依赖注入
	// data 层
	storage, err := data.NewSQLiteStorage(cfg.Session.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init session storage: %w", err)
	}
	defer storage.Close()

	// auth 层
	redirectURL := cfg.Keycloak.GetRedirectURL(cfg.Server.BaseURL)
	client, err := auth.NewKeycloakClient(ctx, &cfg.Keycloak, redirectURL, logger)
	if err != nil {
		return fmt.Errorf("failed to init keycloak client: %w", err)
	}
	adapters := auth.NewAdapters(client, auth.NewStateStore(ctx), cfg.Keycloak.MinValidity, logger)
	logger.Info("keycloak client ready", "issuer", client.Issuer(), "redirect_url", redirectURL, "on_load", cfg.Keycloak.Init.OnLoad)

	// biz 层
	pool := biz.NewCoordinatorPool(cfg.Session.MaxActive, cfg.Session.IdleTTL, adapters.Factory(), biz.CoordinatorConfig{
		Logger:   logger,
		Probe:    client,
		Interval: cfg.Status.Interval,
	})
	defer pool.Close()

	// service 层
	static := staticFS(cfg)
	pages := service.NewPageService(cfg, static, logger)
	renderer, err := web.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}

	// api 层
	sessions := &api.Sessions{
		Cookie:  platform.SessionCookie{Name: cfg.Session.CookieName, Secure: cfg.Session.Secure},
		Storage: storage,
		Pool:    pool,
	}
	pageHandler := api.NewPageHandler(pages, api.PageOptions{
		Sessions: sessions,
		Guard:    biz.NewRouteGuard(logger),
		Routes:   biz.DefaultRoutes(),
		Renderer: renderer,
		Static:   static,
		Keycloak: keycloakJSON(cfg),
		OnLoad:   cfg.Keycloak.Init.OnLoad,
		Logger:   logger,
	})
	limiter := api.NewRateLimiter(ctx, rate.Limit(cfg.Server.AuthRateLimit), cfg.Server.AuthRateBurst)
	if err := limiter.TrustProxies(cfg.Server.TrustedProxies); err != nil {
		return err
	}
	authHandler := api.NewAuthHandler(adapters, sessions, cfg.Server.BaseURL, limiter, logger)
	router := api.NewRouter(pageHandler, authHandler, client.BearerMiddleware(), logger)

	srv, err := server.NewServer(cfg.Server.Addr, router, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		storage.RunJanitor(ctx, logger, time.Minute, cfg.Session.IdleTTL)
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	return g.Wait()
}

// prerender renders every public route as a server-context request.
func prerender(ctx context.Context, cfg *conf.Config, out string) error {
	static := staticFS(cfg)
	renderer, err := web.NewRenderer()
	if err != nil {
		return fmt.Errorf("failed to parse templates: %w", err)
	}
	pool := biz.NewCoordinatorPool(1, time.Minute, nil, biz.CoordinatorConfig{Logger: logger})
	defer pool.Close()

	routes := biz.DefaultRoutes()
	pageHandler := api.NewPageHandler(service.NewPageService(cfg, static, logger), api.PageOptions{
		Sessions: &api.Sessions{Pool: pool},
		Routes:   routes,
		Renderer: renderer,
		Static:   static,
		Keycloak: keycloakJSON(cfg),
		OnLoad:   cfg.Keycloak.Init.OnLoad,
		Logger:   logger,
	})
	router := api.NewRouter(pageHandler, nil, nil, logger)

	for _, route := range routes.Public() {
		req := httptest.NewRequestWithContext(ctx, http.MethodGet, route.Path, nil)
		req.Header.Set(platform.RenderModeHeader, "server")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return fmt.Errorf("prerender %s: status %d", route.Path, rec.Code)
		}

		path := filepath.Join(out, filepath.FromSlash(strings.TrimPrefix(route.Path, "/")), "index.html")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, rec.Body.Bytes(), 0o644); err != nil {
			return err
		}
		logger.Info("prerendered", "route", route.Path, "file", path)
	}
	return nil
}
