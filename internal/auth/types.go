package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UserInfo represents OIDC user claims
type UserInfo struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Nonce             string `json:"nonce"`
}

// StateData is what a pending login remembers until the callback
type StateData struct {
	SessionID    string
	CodeVerifier string // For PKCE
	Nonce        string
	ReturnTo     string // URL to redirect to after successful authentication
	Silent       bool   // prompt=none attempt
	Expiry       time.Time
}

type roleSet struct {
	Roles []string `json:"roles"`
}

// AccessClaims are the Keycloak access token claims the portal reads.
type AccessClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string             `json:"preferred_username"`
	RealmAccess       roleSet            `json:"realm_access"`
	ResourceAccess    map[string]roleSet `json:"resource_access"`
}
