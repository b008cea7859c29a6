// Package vula is a client for the learning-management system's SOAP web
// services and the directory that maps emails and accounts to LMS users.
package vula

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"obsapi.org/internal/apperr"
	"obsapi.org/internal/obs"
)

const service = "vula"

// ErrUnknownUser is returned when the directory or LMS has no such user.
var ErrUnknownUser = errors.New("vula: unknown user")

var sessionPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// Config locates the LMS and the directory.
type Config struct {
	// Host is a bare hostname or a base URL; bare hosts are reached over https.
	Host         string
	Username     string
	Password     string
	DirectoryURL string
	HTTPClient   *http.Client
}

// Identity is a user as resolved through the directory and the LMS.
type Identity struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"fullname"`
	SiteID   string `json:"siteId"`
}

// Tool describes the external tool link added to a user's home site.
type Tool struct {
	SiteID    string
	SeriesID  string
	LaunchURL string
	// MediaHost is the media service host the tool manages series on.
	MediaHost string
}

// Session is an authenticated LMS session. It is only handed out by Dial once
// login and the session check both succeeded.
type Session struct {
	base      string
	directory string
	client    *http.Client
	token     string
}

// Dial logs in and confirms the session is live on the sakai endpoint.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if base == "" {
		return nil, apperr.Upstream(service, "login", 0, errors.New("host not configured"))
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	s := &Session{
		base:      base,
		directory: strings.TrimRight(strings.TrimSpace(cfg.DirectoryURL), "/"),
		client:    client,
	}

	token, err := call(ctx, client, base+loginPath, "login", param{"id", cfg.Username}, param{"pw", cfg.Password})
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, apperr.Upstream(service, "login", http.StatusOK, errors.New("empty session token"))
	}
	s.token = token

	if !s.Active(ctx) {
		_ = s.Close(ctx)
		return nil, apperr.Upstream(service, "getSessionForCurrentUser", http.StatusOK, errors.New("session not active after login"))
	}
	return s, nil
}

// Active reports whether the session token is still accepted.
func (s *Session) Active(ctx context.Context) bool {
	if s == nil || s.token == "" {
		return false
	}
	out, err := call(ctx, s.client, s.base+sakaiPath, "getSessionForCurrentUser", param{"sessionid", s.token})
	if err != nil {
		return false
	}
	return sessionPattern.MatchString(out)
}

// CheckUser reports whether eid is a known LMS user.
func (s *Session) CheckUser(ctx context.Context, eid string) (bool, error) {
	out, err := call(ctx, s.client, s.base+sakaiPath, "checkForUser", param{"sessionid", s.token}, param{"eid", eid})
	if err != nil {
		return false, err
	}
	return strings.EqualFold(out, "true"), nil
}

type siteList struct {
	Items []struct {
		SiteID    string `xml:"siteId"`
		SiteTitle string `xml:"siteTitle"`
	} `xml:"item"`
}

// UserHome returns the id of the user's personal home site.
func (s *Session) UserHome(ctx context.Context, userID string) (string, error) {
	out, err := call(ctx, s.client, s.base+sakaiPath, "getAllSitesForUser", param{"sessionid", s.token}, param{"userid", userID})
	if err != nil {
		return "", err
	}
	var list siteList
	if err := xml.Unmarshal([]byte(out), &list); err != nil {
		return "", apperr.Upstream(service, "getAllSitesForUser", http.StatusOK, fmt.Errorf("decode site list: %w", err))
	}
	for _, item := range list.Items {
		if item.SiteTitle == "Home" && strings.Contains(item.SiteID, "~") {
			return item.SiteID, nil
		}
	}
	return "", fmt.Errorf("no home site for %s: %w", userID, ErrUnknownUser)
}

// AddTool links the personal video tool for t.SeriesID into t.SiteID.
func (s *Session) AddTool(ctx context.Context, t Tool) (string, error) {
	if t.SiteID == "" {
		return "", errors.New("vula: no site provided")
	}
	if t.SeriesID == "" {
		return "", errors.New("vula: no series provided")
	}
	custom := fmt.Sprintf("sid=%s\ntype=personal\ntool=https://%s/ltitools/manage/", t.SeriesID, t.MediaHost)
	return call(ctx, s.client, s.base+uctPath, "addExternalToolToSiteById",
		param{"sessionid", s.token},
		param{"siteid", t.SiteID},
		param{"tooltitle", "My Videos"},
		param{"ltilaunchurl", t.LaunchURL},
		param{"lticustomparams", custom},
		param{"toolid", "sakai.opencast.personal"},
	)
}

// UserByEmail resolves the LMS user owning email, including the home site.
func (s *Session) UserByEmail(ctx context.Context, email string) (Identity, error) {
	return s.resolve(ctx, email)
}

// UserByAccount resolves an LMS account id, including the home site.
func (s *Session) UserByAccount(ctx context.Context, account string) (Identity, error) {
	ok, err := s.CheckUser(ctx, account)
	if err != nil {
		return Identity{}, err
	}
	if !ok {
		return Identity{}, fmt.Errorf("account %s: %w", account, ErrUnknownUser)
	}
	return s.resolve(ctx, account)
}

func (s *Session) resolve(ctx context.Context, query string) (Identity, error) {
	id, err := s.lookup(ctx, query)
	if err != nil {
		return Identity{}, err
	}
	site, err := s.UserHome(ctx, id.Username)
	if err != nil {
		return Identity{}, err
	}
	id.SiteID = site
	return id, nil
}

type directoryResult struct {
	LDAP []struct {
		PreferredName string `json:"preferredname"`
		Surname       string `json:"sn"`
	} `json:"ldap"`
	Vula struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	} `json:"vula"`
}

func (s *Session) lookup(ctx context.Context, query string) (Identity, error) {
	const op = "directory search"
	if s.directory == "" {
		return Identity{}, apperr.Upstream(service, op, 0, errors.New("directory not configured"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.directory+"/"+url.PathEscape(strings.TrimSpace(query)), nil)
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Identity{}, apperr.Upstream(service, op, 0, err)
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if readErr != nil {
		return Identity{}, apperr.Upstream(service, op, resp.StatusCode, readErr)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Identity{}, fmt.Errorf("%s: %w", query, ErrUnknownUser)
	}
	if resp.StatusCode >= 300 {
		return Identity{}, apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("message=%s", http.StatusText(resp.StatusCode)))
	}
	var res directoryResult
	if err := json.Unmarshal(body, &res); err != nil {
		return Identity{}, apperr.Upstream(service, op, resp.StatusCode, fmt.Errorf("decode directory result: %w", err))
	}
	if res.Vula.Username == "" {
		return Identity{}, fmt.Errorf("%s: %w", query, ErrUnknownUser)
	}
	id := Identity{Username: res.Vula.Username, Email: res.Vula.Email}
	if len(res.LDAP) > 0 {
		id.FullName = strings.TrimSpace(res.LDAP[0].PreferredName + " " + res.LDAP[0].Surname)
	}
	if id.FullName == "" {
		id.FullName = id.Username
	}
	return id, nil
}

// Close logs the session out. Errors are logged and returned.
func (s *Session) Close(ctx context.Context) error {
	if s == nil || s.token == "" {
		return nil
	}
	_, err := call(ctx, s.client, s.base+loginPath, "logout", param{"sessionid", s.token})
	s.token = ""
	if err != nil {
		obs.Logger().Warn("vula logout failed", zap.Error(err))
	}
	return err
}
