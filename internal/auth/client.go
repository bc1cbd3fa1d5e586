package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"keycloak-portal/internal/biz"
	"keycloak-portal/internal/conf"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// KeycloakClient wraps the realm's OIDC provider and OAuth2 configuration
type KeycloakClient struct {
	cfg           conf.Keycloak
	issuer        string
	provider      *oidc.Provider
	verifier      *oidc.IDTokenVerifier
	oauth2Config  oauth2.Config
	endSessionURL string
	httpClient    *http.Client
}

// NewKeycloakClient creates a new client for the configured realm.
// Discovery is retried with exponential backoff since the provider often
// starts after the portal.
func NewKeycloakClient(ctx context.Context, cfg *conf.Keycloak, redirectURL string, logger *slog.Logger) (*KeycloakClient, error) {
	issuer := cfg.IssuerURL()

	attempts := cfg.DiscoveryAttempts
	if attempts == 0 {
		attempts = 1
	}
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second

	// Initialize OIDC provider (discovers .well-known/openid-configuration)
	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		return oidc.NewProvider(ctx, issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("identity provider discovery failed, retrying", "issuer", issuer, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create OIDC provider: %v", biz.ErrProviderUnavailable, err)
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to read provider metadata: %w", err)
	}

	// Configure OAuth2
	oauth2Config := oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}

	// Configure JWT verifier
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	return &KeycloakClient{
		cfg:           *cfg,
		issuer:        issuer,
		provider:      provider,
		verifier:      verifier,
		oauth2Config:  oauth2Config,
		endSessionURL: extra.EndSessionEndpoint,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// ClientID returns the OAuth2 client id.
func (c *KeycloakClient) ClientID() string { return c.cfg.ClientID }

// Issuer returns the realm issuer URL.
func (c *KeycloakClient) Issuer() string { return c.issuer }

// AccountURL returns the realm's account endpoint.
func (c *KeycloakClient) AccountURL() string { return c.issuer + "/account" }

// GetAuthURLWithPKCE returns the authorization URL with PKCE, nonce and login options
func (c *KeycloakClient) GetAuthURLWithPKCE(state, codeChallenge, nonce string, opts *biz.LoginOptions) string {
	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oidc.Nonce(nonce),
	}
	cfg := c.oauth2Config
	if opts != nil {
		if opts.Scope != "" {
			cfg.Scopes = append(append([]string{}, cfg.Scopes...), opts.Scope)
		}
		for k, v := range map[string]string{
			"prompt":      opts.Prompt,
			"login_hint":  opts.LoginHint,
			"kc_idp_hint": opts.IDPHint,
			"ui_locales":  opts.Locale,
			"kc_action":   opts.Action,
		} {
			if v != "" {
				params = append(params, oauth2.SetAuthURLParam(k, v))
			}
		}
		if opts.MaxAge > 0 {
			params = append(params, oauth2.SetAuthURLParam("max_age", strconv.Itoa(opts.MaxAge)))
		}
	}
	return cfg.AuthCodeURL(state, params...)
}

// ExchangeCodeWithPKCE exchanges authorization code for tokens using PKCE
func (c *KeycloakClient) ExchangeCodeWithPKCE(ctx context.Context, code string, codeVerifier string) (*oauth2.Token, error) {
	return c.oauth2Config.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier),
	)
}

// VerifyIDToken verifies and parses the ID token
func (c *KeycloakClient) VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	return c.verifier.Verify(ctx, rawIDToken)
}

// RefreshToken refreshes an expired access token
func (c *KeycloakClient) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tokenSource := c.oauth2Config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
	})
	return tokenSource.Token()
}

// EndSessionURL returns the provider logout URL, or redirectURI if the provider has none.
func (c *KeycloakClient) EndSessionURL(idTokenHint, redirectURI string) string {
	if c.endSessionURL == "" {
		return redirectURI
	}
	q := url.Values{"client_id": {c.cfg.ClientID}}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if redirectURI != "" {
		q.Set("post_logout_redirect_uri", redirectURI)
	}
	return c.endSessionURL + "?" + q.Encode()
}

// FetchWellKnown fetches the realm discovery document.
func (c *KeycloakClient) FetchWellKnown(ctx context.Context) (map[string]any, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", biz.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("unexpected status %d from discovery endpoint", resp.StatusCode)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return doc, resp.StatusCode, nil
}

// === PKCE Support ===

// GenerateCodeVerifier generates a random code verifier for PKCE
// Returns a base64-url-encoded random string (43-128 characters)
func GenerateCodeVerifier() (string, error) {
	return randomString(32)
}

// GenerateCodeChallenge generates a code challenge from the verifier
// Uses SHA256 and base64-url encoding as per RFC 7636
func GenerateCodeChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func randomString(n int) (string, error) {
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}
