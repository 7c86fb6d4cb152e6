package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Sync      SyncConfig      `yaml:"sync"`
	Presenter PresenterConfig `yaml:"presenter"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// CatalogConfig configures the remote movie catalog.
type CatalogConfig struct {
	BaseURL      string  `yaml:"base_url" validate:"required,url"`
	ImageBaseURL string  `yaml:"image_base_url" validate:"required,url"`
	APIKey       string  `yaml:"api_key"`
	BearerToken  string  `yaml:"bearer_token"`
	Language     string  `yaml:"language"`
	Timeout      string  `yaml:"timeout"`
	RateLimit    float64 `yaml:"rate_limit" validate:"gte=0"`
	Burst        int     `yaml:"burst" validate:"gte=0"`
}

// ParseTimeout returns the request timeout as time.Duration.
func (c CatalogConfig) ParseTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}

// HasCredentials reports whether any catalog credential is set.
func (c CatalogConfig) HasCredentials() bool {
	return c.APIKey != "" || c.BearerToken != ""
}

// SyncConfig configures background page refresh.
type SyncConfig struct {
	Interval         string   `yaml:"interval"`
	Categories       []string `yaml:"categories" validate:"dive,oneof=popular now_playing top_rated upcoming"`
	Pages            int      `yaml:"pages" validate:"gte=1,lte=500"`
	ReplaceOnRefresh bool     `yaml:"replace_on_refresh"`
	PreviewLimit     int      `yaml:"preview_limit" validate:"gte=0"`
}

// ParseInterval returns the sync interval as time.Duration.
func (s SyncConfig) ParseInterval() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d <= 0 {
		return 6 * time.Hour
	}
	return d
}

// PresenterConfig configures the list view.
type PresenterConfig struct {
	Threshold int `yaml:"threshold" validate:"gte=1"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" validate:"gte=1,lte=65535"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true,omitempty,url"`
	Secret  string `yaml:"secret"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./filmcache.db"},
		Catalog: CatalogConfig{
			BaseURL:      "https://api.themoviedb.org/3",
			ImageBaseURL: "https://image.tmdb.org/t/p/w780",
			Language:     "en-US",
			Timeout:      "15s",
			RateLimit:    20,
			Burst:        5,
		},
		Sync: SyncConfig{
			Interval:     "6h",
			Categories:   []string{"popular", "now_playing", "top_rated", "upcoming"},
			Pages:        1,
			PreviewLimit: 5,
		},
		Presenter: PresenterConfig{Threshold: 5},
		Server:    ServerConfig{Port: 8080},
		Log:       LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads configuration from a YAML file, applies env var overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	normalize(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// normalize accepts dashed category names from YAML and env.
func normalize(cfg *Config) {
	for i, c := range cfg.Sync.Categories {
		cfg.Sync.Categories[i] = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c)), "-", "_")
	}
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FILMCACHE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TMDB_API_KEY"); v != "" {
		cfg.Catalog.APIKey = v
	}
	if v := os.Getenv("TMDB_BEARER_TOKEN"); v != "" {
		cfg.Catalog.BearerToken = v
	}
	if v := os.Getenv("TMDB_LANGUAGE"); v != "" {
		cfg.Catalog.Language = v
	}
	if v := os.Getenv("FILMCACHE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
}
