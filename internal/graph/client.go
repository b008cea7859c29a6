// Package graph talks to the calendar/mail provider: OAuth token exchange,
// webhook subscriptions, calendar events and outbound mail.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"obsapi.org/internal/apperr"
)

const service = "graph"

// Options configures Client. Zero values fall back to the public endpoints.
type Options struct {
	BaseURL      string
	Authority    string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	HTTPClient   *http.Client
	UserAgent    string
}

// Client is a thin REST client authenticated per call with a bearer token.
type Client struct {
	baseURL      string
	authority    string
	clientID     string
	clientSecret string
	redirectURI  string
	scope        string
	httpClient   *http.Client
	userAgent    string
}

// New builds a Client.
func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.microsoft.com"
	}
	authority := strings.TrimRight(strings.TrimSpace(opts.Authority), "/")
	if authority == "" {
		authority = "https://login.microsoftonline.com/common"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	scope := strings.TrimSpace(opts.Scope)
	if scope == "" {
		scope = "openid offline_access User.Read Calendars.Read Mail.Send"
	}
	return &Client{
		baseURL:      baseURL,
		authority:    authority,
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		redirectURI:  opts.RedirectURI,
		scope:        scope,
		httpClient:   httpClient,
		userAgent:    strings.TrimSpace(opts.UserAgent),
	}
}

// SubscriptionRequest is the body sent when registering or renewing a webhook.
type SubscriptionRequest struct {
	ChangeType         string    `json:"changeType,omitempty"`
	NotificationURL    string    `json:"notificationUrl,omitempty"`
	Resource           string    `json:"resource,omitempty"`
	ClientState        string    `json:"clientState,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// Subscription is the provider's view of a webhook registration.
type Subscription struct {
	ID                 string    `json:"id"`
	ApplicationID      string    `json:"applicationId"`
	CreatorID          string    `json:"creatorId"`
	Resource           string    `json:"resource"`
	ChangeType         string    `json:"changeType"`
	ClientState        string    `json:"clientState"`
	NotificationURL    string    `json:"notificationUrl"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

// CreateSubscription registers a webhook.
func (c *Client) CreateSubscription(ctx context.Context, token string, req SubscriptionRequest) (Subscription, error) {
	var out Subscription
	err := c.do(ctx, "create subscription", http.MethodPost, "/v1.0/subscriptions", token, req, &out)
	return out, err
}

// PatchSubscription extends a webhook's expiry.
func (c *Client) PatchSubscription(ctx context.Context, token, id string, expiry time.Time) (Subscription, error) {
	var out Subscription
	body := map[string]any{"expirationDateTime": expiry.UTC().Format(time.RFC3339Nano)}
	err := c.do(ctx, "patch subscription", http.MethodPatch, "/v1.0/subscriptions/"+url.PathEscape(id), token, body, &out)
	return out, err
}

// DeleteSubscription removes a webhook registration.
func (c *Client) DeleteSubscription(ctx context.Context, token, id string) error {
	return c.do(ctx, "delete subscription", http.MethodDelete, "/v1.0/subscriptions/"+url.PathEscape(id), token, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path, token string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("graph client is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return apperr.Upstream(service, op, 0, fmt.Errorf("access token is empty"))
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.Upstream(service, op, 0, err)
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return apperr.Upstream(service, op, resp.StatusCode, readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Upstream(service, op, resp.StatusCode, parseError(respBody))
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// parseError extracts {"error":{"code","message"}} when present.
func parseError(body []byte) error {
	var parsed struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Code != "" {
		return fmt.Errorf("code=%s message=%s", parsed.Error.Code, parsed.Error.Message)
	}
	if msg == "" {
		msg = "empty response"
	}
	return fmt.Errorf("message=%s", msg)
}
