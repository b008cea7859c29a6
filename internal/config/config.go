// Package config loads service configuration from YAML and environment
// variables with a predictable priority.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the root configuration.
// Source priority:
//  1. explicit path passed to Load;
//  2. CONFIG_PATH;
//  3. environment variables (optionally seeded from ./.env).
type Config struct {
	Env      string         `yaml:"env"       env:"ENV"       env-default:"local"`
	LogLevel string         `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	DB       DBConfig       `yaml:"db"`
	Graph    GraphConfig    `yaml:"graph"`
	Opencast OpencastConfig `yaml:"opencast"`
	Vula     VulaConfig     `yaml:"vula"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Admin    AdminConfig    `yaml:"admin"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Host       string  `yaml:"host"        env:"HTTP_HOST"        env-default:"0.0.0.0"`
	Port       string  `yaml:"port"        env:"HTTP_PORT"        env-default:"8080"`
	BasePath   string  `yaml:"base_path"   env:"HTTP_BASE_PATH"   env-default:"/obs-api"`
	MaxBody    int64   `yaml:"max_body"    env:"HTTP_MAX_BODY"    env-default:"1048576"`
	RateBurst  int     `yaml:"rate_burst"  env:"HTTP_RATE_BURST"  env-default:"20"`
	RatePerSec float64 `yaml:"rate_per_sec" env:"HTTP_RATE_PER_SEC" env-default:"10"`
}

// GRPCConfig holds the gRPC health server settings.
type GRPCConfig struct {
	Host string `yaml:"host" env:"GRPC_HOST" env-default:"0.0.0.0"`
	Port string `yaml:"port" env:"GRPC_PORT" env-default:"8081"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string { return net.JoinHostPort(h.Host, h.Port) }

// Addr returns host:port.
func (g GRPCConfig) Addr() string { return net.JoinHostPort(g.Host, g.Port) }

// DBConfig holds the PostgreSQL connection.
type DBConfig struct {
	DSN string `yaml:"dsn" env:"OBS_PG_DSN"`
}

// GraphConfig configures the calendar/mail provider and its OAuth application.
type GraphConfig struct {
	BaseURL      string `yaml:"base_url"      env:"GRAPH_BASE_URL"      env-default:"https://graph.microsoft.com"`
	Authority    string `yaml:"authority"     env:"GRAPH_AUTHORITY"     env-default:"https://login.microsoftonline.com/common"`
	ClientID     string `yaml:"client_id"     env:"GRAPH_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"GRAPH_CLIENT_SECRET"`
	RedirectURI  string `yaml:"redirect_uri"  env:"GRAPH_REDIRECT_URI"`
	Scope        string `yaml:"scope"         env:"GRAPH_SCOPE"         env-default:"openid offline_access User.Read Calendars.Read Mail.Send"`
	// ExcludedOrganizer is the studio mailbox whose own events never trigger provisioning.
	ExcludedOrganizer string `yaml:"excluded_organizer" env:"GRAPH_EXCLUDED_ORGANIZER"`
}

// OpencastConfig configures the media-series service.
type OpencastConfig struct {
	Host     string `yaml:"host"     env:"OPENCAST_HOST"`
	Username string `yaml:"username" env:"OPENCAST_USERNAME"`
	Password string `yaml:"password" env:"OPENCAST_PASSWORD"`
	// RightsHolder is written into every personal series' dublincore record.
	RightsHolder string `yaml:"rights_holder" env:"OPENCAST_RIGHTS_HOLDER" env-default:"The University of Cape Town"`
}

// VulaConfig configures the learning-management SOAP service and the
// directory lookup used to resolve identities.
type VulaConfig struct {
	Host         string `yaml:"host"          env:"VULA_HOST"`
	Username     string `yaml:"username"      env:"VULA_USERNAME"`
	Password     string `yaml:"password"      env:"VULA_PASSWORD"`
	DirectoryURL string `yaml:"directory_url" env:"VULA_DIRECTORY_URL"`
	// ToolLaunchURL overrides the LTI launch URL; defaults to https://<opencast host>/lti.
	ToolLaunchURL string `yaml:"tool_launch_url" env:"VULA_TOOL_LAUNCH_URL"`
}

// WebhookConfig drives the subscription requested from the provider.
type WebhookConfig struct {
	NotificationURL string        `yaml:"notification_url" env:"WEBHOOK_NOTIFICATION_URL"`
	Resource        string        `yaml:"resource"         env:"WEBHOOK_RESOURCE"         env-default:"me/events"`
	ChangeType      string        `yaml:"change_type"      env:"WEBHOOK_CHANGE_TYPE"      env-default:"created"`
	ClientState     string        `yaml:"client_state"     env:"WEBHOOK_CLIENT_STATE"`
	Debounce        time.Duration `yaml:"debounce"         env:"WEBHOOK_DEBOUNCE"         env-default:"10s"`
	RenewEvery      time.Duration `yaml:"renew_every"      env:"WEBHOOK_RENEW_EVERY"      env-default:"0s"`
}

// AdminConfig protects the operator routes.
type AdminConfig struct {
	Token string `yaml:"token" env:"ADMIN_TOKEN"`
}

// MustLoad panics when Load fails.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from path, CONFIG_PATH or the environment.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		// .env is optional: a missing file is the normal production case.
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("read env: %w", err)
		}
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.HTTP.BasePath = "/" + strings.Trim(strings.TrimSpace(c.HTTP.BasePath), "/")
	if c.HTTP.BasePath == "/" {
		c.HTTP.BasePath = ""
	}
	c.Graph.BaseURL = strings.TrimRight(c.Graph.BaseURL, "/")
	c.Graph.Authority = strings.TrimRight(c.Graph.Authority, "/")
	if c.Vula.ToolLaunchURL == "" && c.Opencast.Host != "" {
		c.Vula.ToolLaunchURL = "https://" + c.Opencast.Host + "/lti"
	}
}

func (c *Config) validate() error {
	if c.Webhook.Debounce <= 0 {
		return errors.New("webhook.debounce must be positive")
	}
	if c.Webhook.RenewEvery < 0 {
		return errors.New("webhook.renew_every must not be negative")
	}
	if c.Webhook.RenewEvery > 0 && c.Webhook.RenewEvery < time.Minute {
		return errors.New("webhook.renew_every must be at least 1m")
	}
	if c.HTTP.MaxBody <= 0 {
		return errors.New("http.max_body must be positive")
	}
	if c.HTTP.RateBurst <= 0 || c.HTTP.RatePerSec <= 0 {
		return errors.New("http rate limit must be positive")
	}
	return nil
}
