package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"obsapi.org/internal/apperr"
)

// Token is the result of an authorization-code or refresh exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	// Owner is the user principal name read from the access token claims.
	Owner string
	Raw   []byte
}

// AuthCodeURL returns the provider sign-in URL.
func (c *Client) AuthCodeURL(state string) string {
	v := url.Values{}
	v.Set("client_id", c.clientID)
	v.Set("response_type", "code")
	v.Set("redirect_uri", c.redirectURI)
	v.Set("response_mode", "query")
	v.Set("scope", c.scope)
	if state != "" {
		v.Set("state", state)
	}
	return c.authority + "/oauth2/v2.0/authorize?" + v.Encode()
}

// LogoutURL returns the provider sign-out URL that bounces back to redirect.
func (c *Client) LogoutURL(redirect string) string {
	return c.authority + "/oauth2/logout?post_logout_redirect_uri=" + url.QueryEscape(redirect)
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (Token, error) {
	if strings.TrimSpace(code) == "" {
		return Token{}, apperr.Upstream(service, "exchange code", 0, fmt.Errorf("authorization code missing"))
	}
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", c.redirectURI)
	return c.tokenRequest(ctx, "exchange code", data)
}

// Refresh trades a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Token{}, apperr.Upstream(service, "refresh token", 0, fmt.Errorf("refresh token missing"))
	}
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("redirect_uri", c.redirectURI)
	return c.tokenRequest(ctx, "refresh token", data)
}

func (c *Client) tokenRequest(ctx context.Context, op string, data url.Values) (Token, error) {
	data.Set("client_id", c.clientID)
	data.Set("scope", c.scope)
	if c.clientSecret != "" {
		data.Set("client_secret", c.clientSecret)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authority+"/oauth2/v2.0/token", strings.NewReader(data.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, apperr.Upstream(service, op, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("read token response: %w", err))
	}
	if resp.StatusCode >= 300 {
		return Token{}, apperr.Upstream(service, op, resp.StatusCode, parseOAuthError(body))
	}

	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Token{}, apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("decode token response: %w", err))
	}
	if raw.AccessToken == "" {
		return Token{}, apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("token not properly formatted"))
	}

	tok := Token{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		Raw:          body,
	}
	if raw.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(raw.ExpiresIn) * time.Second).UTC()
	}
	if claims, err := ParseClaims(raw.AccessToken); err == nil {
		tok.Owner = claims.Owner
		if !claims.ExpiresAt.IsZero() {
			tok.ExpiresAt = claims.ExpiresAt
		}
	}
	return tok, nil
}

// Claims are the access-token fields the service relies on.
type Claims struct {
	Owner     string
	ExpiresAt time.Time
}

// ParseClaims decodes the payload of a JWT access token without verifying its
// signature; the provider is the audience, not this service.
func ParseClaims(accessToken string) (Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return Claims{}, err
	}
	var out Claims
	for _, key := range []string{"upn", "preferred_username", "unique_name", "email"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			out.Owner = v
			break
		}
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}
	return out, nil
}

func parseOAuthError(body []byte) error {
	var parsed struct {
		Error       string `json:"error"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		return fmt.Errorf("%s: %s", parsed.Error, parsed.Description)
	}
	return fmt.Errorf("token exchange failed")
}
