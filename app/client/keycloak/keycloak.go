package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tabulas/app/config"

	"github.com/samber/do"
)

// ErrorKind classifies a failed token request. The message is what the
// caller shows the user; the kind only distinguishes "fix the server"
// from "fix the password".
type ErrorKind int

const (
	ErrOther ErrorKind = iota
	ErrMisconfigured
	ErrBadCredentials
)

type AuthError struct {
	Kind    ErrorKind
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	tokenURL   string
}

func NewClient(di *do.Injector) (*Client, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokenURL: fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token",
			strings.TrimSuffix(cfg.Keycloak.BaseURL, "/"), cfg.Keycloak.Realm),
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// GetToken performs a password-grant token request and returns the bearer
// token. Failures come back as *AuthError with a display-ready message.
func (c *Client) GetToken(ctx context.Context, username, password string) (string, error) {
	form := url.Values{
		"grant_type": {"password"},
		"client_id":  {c.cfg.Keycloak.ClientID},
		"username":   {username},
		"password":   {password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", &AuthError{Kind: ErrOther, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &AuthError{Kind: ErrOther, Message: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.classify(resp.StatusCode, body)
	}

	var token tokenResponse
	if err = json.Unmarshal(body, &token); err != nil {
		return "", &AuthError{Kind: ErrOther, Message: "malformed token response: " + err.Error()}
	}
	if token.AccessToken == "" {
		return "", &AuthError{Kind: ErrOther, Message: "token response carries no access_token"}
	}

	slog.Debug("Obtained access token", "username", username)

	return token.AccessToken, nil
}

func (c *Client) classify(status int, body []byte) *AuthError {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("Login failed %d", status)
	}

	var oauthErr oauthError
	if err := json.Unmarshal(body, &oauthErr); err == nil {
		desc := strings.ToLower(oauthErr.ErrorDescription)

		if oauthErr.Error == "unauthorized_client" || strings.Contains(desc, "direct access grants") {
			return &AuthError{
				Kind: ErrMisconfigured,
				Message: fmt.Sprintf("Keycloak: enable Direct access grants for client %s (realm %s).",
					c.cfg.Keycloak.ClientID, c.cfg.Keycloak.Realm),
			}
		}
		if oauthErr.Error == "invalid_grant" || strings.Contains(desc, "invalid user credentials") {
			return &AuthError{
				Kind:    ErrBadCredentials,
				Message: "Invalid username or password.",
			}
		}
	}

	return &AuthError{Kind: ErrOther, Message: msg}
}
