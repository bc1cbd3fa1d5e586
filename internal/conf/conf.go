package conf

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the config structure.
type Config struct {
	Server   Server   `yaml:"server" envPrefix:"SERVER_"`
	Keycloak Keycloak `yaml:"keycloak" envPrefix:"KEYCLOAK_"`
	Session  Session  `yaml:"session" envPrefix:"SESSION_"`
	Status   Status   `yaml:"status" envPrefix:"STATUS_"`
}

// Server is the server config.
type Server struct {
	Addr    string `yaml:"addr" env:"ADDR"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// StaticDir overrides the embedded browser bundle when set.
	StaticDir string `yaml:"static_dir" env:"STATIC_DIR"`
	// AuthRateLimit is the number of /auth requests allowed per second per client IP.
	AuthRateLimit float64 `yaml:"auth_rate_limit" env:"AUTH_RATE_LIMIT"`
	AuthRateBurst int     `yaml:"auth_rate_burst" env:"AUTH_RATE_BURST"`
	// TrustedProxies lists proxy IPs or CIDRs whose X-Forwarded-For is honored.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES"`
}

// Keycloak is the identity provider config.
type Keycloak struct {
	URL          string   `yaml:"url" env:"URL"`
	Realm        string   `yaml:"realm" env:"REALM"`
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectURL  string   `yaml:"redirect_url" env:"REDIRECT_URL"` // Optional: if not set, auto-constructed from server.base_url
	Scopes       []string `yaml:"scopes" env:"SCOPES"`
	SSLRequired  string   `yaml:"ssl_required" env:"SSL_REQUIRED"`
	Init         Init     `yaml:"init" envPrefix:"INIT_"`
	// MinValidity is the remaining token lifetime below which the token is refreshed.
	MinValidity time.Duration `yaml:"min_validity" env:"MIN_VALIDITY"`
	// DiscoveryAttempts bounds the retries against the realm discovery document at startup.
	DiscoveryAttempts uint `yaml:"discovery_attempts" env:"DISCOVERY_ATTEMPTS"`
}

// Init mirrors the identity client init options.
type Init struct {
	OnLoad                    string `yaml:"on_load" env:"ON_LOAD"`
	SilentCheckSSORedirectURI string `yaml:"silent_check_sso_redirect_uri" env:"SILENT_CHECK_SSO_REDIRECT_URI"`
	CheckLoginIframe          bool   `yaml:"check_login_iframe" env:"CHECK_LOGIN_IFRAME"`
}

// Session is the browser session config.
type Session struct {
	DBPath     string        `yaml:"db_path" env:"DB_PATH"`
	CookieName string        `yaml:"cookie_name" env:"COOKIE_NAME"`
	Secure     bool          `yaml:"secure" env:"SECURE"`
	IdleTTL    time.Duration `yaml:"idle_ttl" env:"IDLE_TTL"`
	MaxActive  int           `yaml:"max_active" env:"MAX_ACTIVE"`
}

// Status is the connection status refresh config.
type Status struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

// IssuerURL returns the realm issuer, eg: http://localhost:8080/realms/ofelwin
func (k *Keycloak) IssuerURL() string {
	return strings.TrimRight(k.URL, "/") + "/realms/" + k.Realm
}

// GetRedirectURL returns the OIDC callback URL
// If RedirectURL is explicitly configured, use it
// Otherwise, construct from server base_url + hardcoded callback path
func (k *Keycloak) GetRedirectURL(serverBaseURL string) string {
	if k.RedirectURL != "" {
		return k.RedirectURL
	}
	return strings.TrimRight(serverBaseURL, "/") + "/auth/callback"
}

// GetSilentCheckSSORedirectURI returns the silent check page URL.
func (k *Keycloak) GetSilentCheckSSORedirectURI(serverBaseURL string) string {
	if k.Init.SilentCheckSSORedirectURI != "" {
		return k.Init.SilentCheckSSORedirectURI
	}
	return strings.TrimRight(serverBaseURL, "/") + "/assets/silent-check-sso.html"
}

// Load loads config from file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses YAML config bytes, applies env overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Override from env vars if present
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with only defaults applied.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":4000"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost:4000"
	}
	if c.Server.AuthRateLimit == 0 {
		c.Server.AuthRateLimit = 5
	}
	if c.Server.AuthRateBurst == 0 {
		c.Server.AuthRateBurst = 10
	}

	if c.Keycloak.URL == "" {
		c.Keycloak.URL = "http://localhost:8080"
	}
	if c.Keycloak.Realm == "" {
		c.Keycloak.Realm = "ofelwin"
	}
	if c.Keycloak.ClientID == "" {
		c.Keycloak.ClientID = "ofelwin-client-angular"
	}
	if len(c.Keycloak.Scopes) == 0 {
		c.Keycloak.Scopes = []string{"openid", "profile", "email"}
	}
	if c.Keycloak.SSLRequired == "" {
		c.Keycloak.SSLRequired = "external"
	}
	if c.Keycloak.Init.OnLoad == "" {
		c.Keycloak.Init.OnLoad = "check-sso"
	}
	if c.Keycloak.MinValidity == 0 {
		c.Keycloak.MinValidity = 5 * time.Second
	}
	if c.Keycloak.DiscoveryAttempts == 0 {
		c.Keycloak.DiscoveryAttempts = 5
	}

	if c.Session.DBPath == "" {
		c.Session.DBPath = "data/sessions.db"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "portal_session"
	}
	if c.Session.IdleTTL == 0 {
		c.Session.IdleTTL = 30 * time.Minute
	}
	if c.Session.MaxActive == 0 {
		c.Session.MaxActive = 1024
	}

	if c.Status.Interval == 0 {
		c.Status.Interval = 30 * time.Second
	}
}

func (c *Config) validate() error {
	switch c.Keycloak.Init.OnLoad {
	case "check-sso", "login-required":
	default:
		return fmt.Errorf("invalid keycloak.init.on_load %q: want check-sso or login-required", c.Keycloak.Init.OnLoad)
	}
	if c.Status.Interval < time.Second {
		return fmt.Errorf("status.interval must be at least 1s, got %s", c.Status.Interval)
	}
	return nil
}
