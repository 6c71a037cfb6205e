package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"DEVPEEK_POLL_INTERVAL", "DEVPEEK_LOG_LEVEL", "DEVPEEK_STORAGE_PATH", "DEVPEEK_STORAGE_DRIVER", "DEVPEEK_SESSION"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return home
}

func TestLoad_Valid(t *testing.T) {
	isolateHome(t)
	path := writeConfig(t, `
poll_interval: 250ms
log_level: debug
theme: dark
position: top-left
storage:
  path: /tmp/devpeek-test.db
  driver: sqlite
  enable_session: false
adapters:
  - name: cart
    file: /tmp/cart.json
    select: items
  - name: user
    url: http://localhost:3000/state
    timeout: 1s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want debug", cfg.Level())
	}
	if cfg.Theme != "dark" || cfg.Position != "top-left" {
		t.Errorf("Theme/Position = %q/%q", cfg.Theme, cfg.Position)
	}
	if cfg.Storage.Path != "/tmp/devpeek-test.db" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
	if cfg.Storage.Driver != DriverPure {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverPure)
	}
	if !cfg.Storage.PersistentEnabled() {
		t.Error("PersistentEnabled = false, want default true")
	}
	if cfg.Storage.SessionEnabled() {
		t.Error("SessionEnabled = true, want false")
	}
	if len(cfg.Adapters) != 2 {
		t.Fatalf("Adapters len = %d, want 2", len(cfg.Adapters))
	}
	if cfg.Adapters[0].Select != "items" {
		t.Errorf("Adapters[0].Select = %q", cfg.Adapters[0].Select)
	}
	if cfg.Adapters[1].Timeout != time.Second {
		t.Errorf("Adapters[1].Timeout = %v, want 1s", cfg.Adapters[1].Timeout)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := isolateHome(t)
	path := writeConfig(t, ``)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want default 500ms", cfg.PollInterval)
	}
	if cfg.LogLevel != "info" || cfg.Theme != "system" || cfg.Position != "bottom-right" {
		t.Errorf("defaults = %q/%q/%q", cfg.LogLevel, cfg.Theme, cfg.Position)
	}
	if cfg.Storage.Driver != DriverCGO {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverCGO)
	}
	want := filepath.Join(home, ".local", "share", "devpeek", "storage.db")
	if cfg.Storage.Path != want {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, want)
	}
	if !cfg.Storage.WatchEnabled() || !cfg.Storage.SessionEnabled() {
		t.Error("storage toggles should default to true")
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := isolateHome(t)
	path := writeConfig(t, `
storage:
  path: ~/peek/storage.db
adapters:
  - name: cart
    file: ~/cart.yaml
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, "peek", "storage.db"); cfg.Storage.Path != want {
		t.Errorf("Storage.Path = %q, want %q", cfg.Storage.Path, want)
	}
	if want := filepath.Join(home, "cart.yaml"); cfg.Adapters[0].File != want {
		t.Errorf("Adapters[0].File = %q, want %q", cfg.Adapters[0].File, want)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolateHome(t)
	t.Setenv("DEVPEEK_POLL_INTERVAL", "2s")
	t.Setenv("DEVPEEK_LOG_LEVEL", "warn")
	t.Setenv("DEVPEEK_STORAGE_PATH", "/tmp/override.db")
	t.Setenv("DEVPEEK_STORAGE_DRIVER", "sqlite")

	path := writeConfig(t, `
poll_interval: 1s
log_level: debug
storage:
  path: /tmp/file.db
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.Level() != slog.LevelWarn {
		t.Errorf("Level = %v, want warn", cfg.Level())
	}
	if cfg.Storage.Path != "/tmp/override.db" || cfg.Storage.Driver != DriverPure {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestLoad_SessionFromEnv(t *testing.T) {
	isolateHome(t)
	path := writeConfig(t, "log_level: info\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Session != "" {
		t.Errorf("Session = %q, want empty without DEVPEEK_SESSION", cfg.Storage.Session)
	}

	const id = "6f1c2b0e-8d4a-4c57-9a57-1d2e3f4a5b6c"
	t.Setenv("DEVPEEK_SESSION", id)
	if cfg, err = Load(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Session != id {
		t.Errorf("Session = %q, want %q", cfg.Storage.Session, id)
	}

	t.Setenv("DEVPEEK_SESSION", "../../etc/passwd")
	if _, err := Load(path); err == nil {
		t.Error("expected error for a session id that is not a UUID")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"poll interval too short", "poll_interval: 10ms\n"},
		{"poll interval too long", "poll_interval: 5m\n"},
		{"bad log level", "log_level: loud\n"},
		{"bad theme", "theme: neon\n"},
		{"bad position", "position: center\n"},
		{"bad driver", "storage:\n  driver: postgres\n"},
		{"unknown key", "unknown_field: oops\n"},
		{"adapter without name", "adapters:\n  - file: a.json\n"},
		{"adapter without source", "adapters:\n  - name: a\n"},
		{"adapter with both sources", "adapters:\n  - name: a\n    file: a.json\n    url: http://x\n"},
		{"adapter bad url", "adapters:\n  - name: a\n    url: not-a-url\n"},
		{"duplicate adapter", "adapters:\n  - name: a\n    file: a.json\n  - name: a\n    file: b.json\n"},
		{"telemetry missing endpoint", "telemetry:\n  insecure: true\n"},
		{"entity without home assistant", "adapters:\n  - name: a\n    entity: todo.a\n"},
		{"entity not a todo", "home_assistant:\n  url: http://ha:8123\n  token: t\nadapters:\n  - name: a\n    entity: light.a\n"},
		{"home assistant bad url", "home_assistant:\n  url: ha\n  token: t\n"},
		{"home assistant missing token", "home_assistant:\n  url: http://ha:8123\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateHome(t)
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error %v does not wrap os.ErrNotExist", err)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	isolateHome(t)
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want default", cfg.PollInterval)
	}
}

func TestDefaultPath(t *testing.T) {
	path, err := DefaultPath()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(filepath.Dir(path)) != "devpeek" {
		t.Errorf("DefaultPath = %q, want a devpeek directory", path)
	}
}

func TestLoad_TelemetryValid(t *testing.T) {
	isolateHome(t)
	path := writeConfig(t, `
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
  service_name: "my-devpeek"
  headers:
    Authorization: "Bearer secret"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry == nil {
		t.Fatal("expected Telemetry to be non-nil")
	}
	if cfg.Telemetry.OTLPEndpoint != "localhost:4317" {
		t.Errorf("OTLPEndpoint = %q, want %q", cfg.Telemetry.OTLPEndpoint, "localhost:4317")
	}
	if !cfg.Telemetry.Insecure {
		t.Error("Insecure = false, want true")
	}
	if cfg.Telemetry.ServiceName != "my-devpeek" {
		t.Errorf("ServiceName = %q, want %q", cfg.Telemetry.ServiceName, "my-devpeek")
	}
	if cfg.Telemetry.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("Authorization header = %q", cfg.Telemetry.Headers["Authorization"])
	}
}

func TestLoad_TelemetryOmitted(t *testing.T) {
	isolateHome(t)
	cfg, err := Load(writeConfig(t, "theme: light\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Telemetry != nil {
		t.Error("expected Telemetry to be nil when block is omitted")
	}
}

func TestLoad_HomeAssistantEntity(t *testing.T) {
	isolateHome(t)
	path := writeConfig(t, `
home_assistant:
  url: "http://homeassistant.local:8123"
  token: "abc123"
adapters:
  - name: shopping
    entity: todo.shopping
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HomeAssistant == nil || cfg.HomeAssistant.Token != "abc123" {
		t.Fatalf("HomeAssistant = %+v", cfg.HomeAssistant)
	}
	if cfg.Adapters[0].Entity != "todo.shopping" {
		t.Errorf("Adapters[0].Entity = %q", cfg.Adapters[0].Entity)
	}
}
