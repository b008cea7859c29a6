// Package opencast is a client for the media-series service's external API.
// Every request is authenticated with HTTP digest credentials.
package opencast

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

	"github.com/icholy/digest"

	"obsapi.org/internal/apperr"
)

const service = "opencast"

// Options configures Client.
type Options struct {
	// Host is a bare hostname or a full base URL; bare hosts are reached over https.
	Host         string
	Username     string
	Password     string
	RightsHolder string
	// Transport is the round tripper wrapped by the digest transport.
	Transport http.RoundTripper
	Timeout   time.Duration
}

// Client talks to /api/series.
type Client struct {
	baseURL      string
	rightsHolder string
	httpClient   *http.Client
}

// New builds a Client.
func New(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.Host), "/")
	if base != "" && !strings.Contains(base, "://") {
		base = "https://" + base
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      base,
		rightsHolder: opts.RightsHolder,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &digest.Transport{
				Username:  opts.Username,
				Password:  opts.Password,
				Transport: opts.Transport,
			},
		},
	}
}

// Host returns the host part of the base URL.
func (c *Client) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Series is a series as listed or fetched by the API.
type Series struct {
	Identifier   string   `json:"identifier"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Creator      string   `json:"creator,omitempty"`
	Created      string   `json:"created,omitempty"`
	Subjects     []string `json:"subjects,omitempty"`
	Contributors []string `json:"contributors,omitempty"`
	Organizers   []string `json:"organizers,omitempty"`
	Publishers   []string `json:"publishers,omitempty"`
}

// ACE is one access-control entry.
type ACE struct {
	Action string `json:"action"`
	Allow  bool   `json:"allow"`
	Role   string `json:"role"`
}

// SearchSeries lists the series matching a free-text filter.
func (c *Client) SearchSeries(ctx context.Context, text string) ([]Series, error) {
	var out []Series
	q := url.Values{}
	q.Set("filter", "textFilter:"+text)
	err := c.do(ctx, "search series", http.MethodGet, "/api/series/?"+q.Encode(), nil, &out)
	return out, err
}

// CreateSeries creates a series and returns its identifier.
func (c *Client) CreateSeries(ctx context.Context, metadata []Catalog, acl []ACE) (string, error) {
	form, err := formOf(map[string]any{"metadata": metadata, "acl": acl})
	if err != nil {
		return "", err
	}
	var out struct {
		Identifier string `json:"identifier"`
	}
	if err := c.do(ctx, "create series", http.MethodPost, "/api/series/", form, &out); err != nil {
		return "", err
	}
	if out.Identifier == "" {
		return "", apperr.Upstream(service, "create series", http.StatusCreated, fmt.Errorf("response carried no identifier"))
	}
	return out.Identifier, nil
}

// Series fetches one series.
func (c *Client) Series(ctx context.Context, id string) (Series, error) {
	var out Series
	err := c.do(ctx, "get series", http.MethodGet, "/api/series/"+url.PathEscape(id), nil, &out)
	return out, err
}

// SeriesACL fetches the access-control list of a series.
func (c *Client) SeriesACL(ctx context.Context, id string) ([]ACE, error) {
	var out []ACE
	err := c.do(ctx, "get series acl", http.MethodGet, "/api/series/"+url.PathEscape(id)+"/acl", nil, &out)
	return out, err
}

// SetSeriesACL replaces the access-control list of a series.
func (c *Client) SetSeriesACL(ctx context.Context, id string, acl []ACE) error {
	form, err := formOf(map[string]any{"acl": acl})
	if err != nil {
		return err
	}
	return c.do(ctx, "set series acl", http.MethodPut, "/api/series/"+url.PathEscape(id)+"/acl", form, nil)
}

// UpdateSeriesMetadata replaces the fields of one metadata catalog.
func (c *Client) UpdateSeriesMetadata(ctx context.Context, id string, catalog Catalog) error {
	form, err := formOf(map[string]any{"metadata": catalog.Fields})
	if err != nil {
		return err
	}
	form.Set("type", catalog.Flavor)
	return c.do(ctx, "update series metadata", http.MethodPut, "/api/series/"+url.PathEscape(id)+"/metadata", form, nil)
}

func formOf(values map[string]any) (url.Values, error) {
	form := url.Values{}
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", k, err)
		}
		form.Set(k, string(data))
	}
	return form, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, out any) error {
	if c == nil || c.baseURL == "" {
		return apperr.Upstream(service, op, 0, fmt.Errorf("host not configured"))
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "Digest")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
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
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("message=%s", msg))
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("unexpected content: %w", err))
	}
	return nil
}
