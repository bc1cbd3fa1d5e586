package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"keycloak-portal/internal/biz"
)

// AccountError is a non-2xx answer from the account API.
type AccountError struct {
	Status  int
	Message string
}

func (e *AccountError) Error() string {
	if e.Status == http.StatusBadRequest {
		return "Invalid username or password"
	}
	return fmt.Sprintf("Error Code: %d, Message: %s", e.Status, e.Message)
}

// accountError maps an account API failure to the portal's error taxonomy.
func accountError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return biz.ErrSessionExpired
	}
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorMessage     string `json:"errorMessage"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, m := range []string{payload.ErrorMessage, payload.ErrorDescription, payload.Error} {
			if m != "" {
				msg = m
				break
			}
		}
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &AccountError{Status: status, Message: msg}
}

// ErrorMessage returns the text shown to the user for an account API error.
func ErrorMessage(err error) string {
	var accErr *AccountError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, biz.ErrSessionExpired):
		return "Session expired. Please login again."
	case errors.Is(err, biz.ErrProviderUnavailable):
		return "Cannot connect to server, please try again later"
	case errors.As(err, &accErr):
		return accErr.Error()
	default:
		return err.Error()
	}
}

// LoadAccount reads the user's profile from the account API.
func (c *KeycloakClient) LoadAccount(ctx context.Context, accessToken string) (*biz.Profile, error) {
	var profile biz.Profile
	if err := c.account(ctx, http.MethodGet, accessToken, nil, &profile); err != nil {
		return nil, err
	}
	return &profile, nil
}

// UpdateAccount writes profile changes through the account API.
func (c *KeycloakClient) UpdateAccount(ctx context.Context, accessToken string, update *biz.ProfileUpdate) error {
	attrs := map[string][]string{}
	for k, v := range update.Attributes {
		attrs[k] = v
	}
	if update.Phone != "" {
		attrs["phone"] = []string{update.Phone}
	}
	body := map[string]any{
		"firstName":  update.FirstName,
		"lastName":   update.LastName,
		"email":      update.Email,
		"attributes": attrs,
	}
	return c.account(ctx, http.MethodPost, accessToken, body, nil)
}

func (c *KeycloakClient) account(ctx context.Context, method, accessToken string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal account request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.AccountURL(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create account request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", biz.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read account response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return accountError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode account response: %w", err)
	}
	return nil
}
