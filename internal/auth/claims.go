package auth

import (
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

// ParseAccessClaims decodes the access token payload without verifying it.
// The token was obtained directly from the token endpoint over TLS and is
// never accepted from the browser.
func ParseAccessClaims(accessToken string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	return claims, nil
}

// Roles returns realm roles. With all set, client roles follow: the
// portal's own client first, then other clients by name.
func (c *AccessClaims) Roles(clientID string, all bool) []string {
	roles := append([]string{}, c.RealmAccess.Roles...)
	if !all {
		return roles
	}

	clients := make([]string, 0, len(c.ResourceAccess))
	for name := range c.ResourceAccess {
		if name != clientID {
			clients = append(clients, name)
		}
	}
	slices.Sort(clients)
	if _, ok := c.ResourceAccess[clientID]; ok {
		clients = append([]string{clientID}, clients...)
	}

	for _, name := range clients {
		for _, r := range c.ResourceAccess[name].Roles {
			if !slices.Contains(roles, r) {
				roles = append(roles, r)
			}
		}
	}
	return roles
}
