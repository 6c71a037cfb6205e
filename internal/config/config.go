// Package config loads and validates the devpeek YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Storage drivers accepted in storage.driver.
const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// PollInterval controls how often poll-only adapters are re-read.
	// Minimum 100ms, maximum 1m. Defaults to 500ms if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level"`

	// Theme is light, dark or system.
	Theme string `yaml:"theme"`

	// Position is the panel corner: top-left, top-right, bottom-left or bottom-right.
	Position string `yaml:"position"`

	Storage StorageConfig `yaml:"storage"`

	// Adapters lists the state sources to mirror.
	Adapters []AdapterConfig `yaml:"adapters"`

	// HomeAssistant is required when any adapter sets entity.
	HomeAssistant *HomeAssistantConfig `yaml:"home_assistant,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// StorageConfig selects the persistent key-value store.
type StorageConfig struct {
	// Path is the SQLite file backing persistent storage. A leading "~/" is
	// expanded. Defaults to ~/.local/share/devpeek/storage.db.
	Path string `yaml:"path"`

	// Driver is "sqlite3" (cgo) or "sqlite" (pure Go). Defaults to sqlite3.
	Driver string `yaml:"driver"`

	// EnablePersistent and EnableSession control enumeration of each kind.
	// Both default to true.
	EnablePersistent *bool `yaml:"enable_persistent"`
	EnableSession    *bool `yaml:"enable_session"`

	// Watch enables cross-process change notification through the file
	// system. Defaults to true.
	Watch *bool `yaml:"watch"`

	// Session is the id of the watch session whose session store to use,
	// taken from DEVPEEK_SESSION. Empty means no session is attached.
	Session string `yaml:"-"`
}

// AdapterConfig declares one state source. Exactly one of File, URL and
// Entity is set.
type AdapterConfig struct {
	Name string `yaml:"name"`

	// File is a JSON or YAML document, re-read whenever it changes.
	File string `yaml:"file"`

	// URL is polled with GET and must return JSON.
	URL string `yaml:"url"`

	// Entity is a Home Assistant todo entity ID (e.g. "todo.shopping"),
	// re-read on every state_changed event for it.
	Entity string `yaml:"entity"`

	// Select is an optional expr-lang projection applied to the snapshot.
	Select string `yaml:"select"`

	// Timeout bounds one HTTP read. Defaults to 2s.
	Timeout time.Duration `yaml:"timeout"`
}

// HomeAssistantConfig points at the Home Assistant instance backing entity
// adapters.
type HomeAssistantConfig struct {
	// URL is the base URL of the instance (e.g. "http://homeassistant.local:8123").
	URL string `yaml:"url"`

	// Token is a long-lived access token.
	Token string `yaml:"token"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "devpeek".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/devpeek/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "devpeek", "config.yaml"), nil
}

// Default returns the configuration used when no file exists, with
// environment overrides applied.
func Default() (*Config, error) {
	var cfg Config
	return finish(&cfg)
}

// Load reads and validates the configuration file at the given path, then
// applies environment overrides. A missing file yields an error wrapping
// [os.ErrNotExist].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return finish(&cfg)
}

// LoadOrDefault behaves like [Load] but falls back to [Default] when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

// overrides are the environment variables that take precedence over the file.
type overrides struct {
	PollInterval  time.Duration `env:"DEVPEEK_POLL_INTERVAL"`
	LogLevel      string        `env:"DEVPEEK_LOG_LEVEL"`
	StoragePath   string        `env:"DEVPEEK_STORAGE_PATH"`
	StorageDriver string        `env:"DEVPEEK_STORAGE_DRIVER"`
	Session       string        `env:"DEVPEEK_SESSION"`
}

func finish(cfg *Config) (*Config, error) {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if o.PollInterval != 0 {
		cfg.PollInterval = o.PollInterval
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.StorageDriver != "" {
		cfg.Storage.Driver = o.StorageDriver
	}
	if o.Session != "" {
		cfg.Storage.Session = o.Session
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Level maps LogLevel to a slog level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PersistentEnabled reports whether persistent items are enumerated.
func (s StorageConfig) PersistentEnabled() bool { return boolOr(s.EnablePersistent, true) }

// SessionEnabled reports whether session items are enumerated.
func (s StorageConfig) SessionEnabled() bool { return boolOr(s.EnableSession, true) }

// WatchEnabled reports whether cross-process notification is on.
func (s StorageConfig) WatchEnabled() bool { return boolOr(s.Watch, true) }

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// validate fills defaults and checks that all fields are well-formed.
func (c *Config) validate() error {
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("poll_interval %v is too short (minimum 100ms)", c.PollInterval)
	}
	if c.PollInterval > time.Minute {
		return fmt.Errorf("poll_interval %v is too long (maximum 1m)", c.PollInterval)
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel)
	}

	if c.Theme == "" {
		c.Theme = "system"
	}
	switch c.Theme {
	case "light", "dark", "system":
	default:
		return fmt.Errorf("theme %q must be light, dark or system", c.Theme)
	}

	if c.Position == "" {
		c.Position = "bottom-right"
	}
	switch c.Position {
	case "top-left", "top-right", "bottom-left", "bottom-right":
	default:
		return fmt.Errorf("position %q is not a corner", c.Position)
	}

	if err := c.Storage.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Adapters))
	for i, a := range c.Adapters {
		if a.Name == "" {
			return fmt.Errorf("adapters[%d] has an empty name", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("adapters[%d]: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true

		sourceCount := 0
		for _, v := range []string{a.File, a.URL, a.Entity} {
			if v != "" {
				sourceCount++
			}
		}
		if sourceCount != 1 {
			return fmt.Errorf("adapter %q must set exactly one of file, url and entity", a.Name)
		}
		if a.Entity != "" {
			if c.HomeAssistant == nil {
				return fmt.Errorf("adapter %q uses entity but home_assistant is not configured", a.Name)
			}
			if !strings.HasPrefix(a.Entity, "todo.") {
				return fmt.Errorf("adapter %q entity %q must be a todo entity", a.Name, a.Entity)
			}
		}
		if a.URL != "" {
			u, err := url.ParseRequestURI(a.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("adapter %q url %q must be a valid http or https URL", a.Name, a.URL)
			}
		}
		if a.File != "" {
			path, err := expandHome(a.File)
			if err != nil {
				return err
			}
			c.Adapters[i].File = path
		}
		if a.Timeout < 0 {
			return fmt.Errorf("adapter %q timeout must not be negative", a.Name)
		}
	}

	if c.HomeAssistant != nil {
		u, err := url.ParseRequestURI(c.HomeAssistant.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("home_assistant.url %q must be a valid http or https URL", c.HomeAssistant.URL)
		}
		if c.HomeAssistant.Token == "" {
			return fmt.Errorf("home_assistant.token is required")
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func (s *StorageConfig) validate() error {
	if s.Driver == "" {
		s.Driver = DriverCGO
	}
	if s.Driver != DriverCGO && s.Driver != DriverPure {
		return fmt.Errorf("storage.driver %q must be %q or %q", s.Driver, DriverCGO, DriverPure)
	}
	if s.Session != "" {
		if _, err := uuid.Parse(s.Session); err != nil {
			return fmt.Errorf("DEVPEEK_SESSION %q is not a session id: %w", s.Session, err)
		}
	}

	if s.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		s.Path = filepath.Join(home, ".local", "share", "devpeek", "storage.db")
		return nil
	}
	path, err := expandHome(s.Path)
	if err != nil {
		return err
	}
	s.Path = path
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
