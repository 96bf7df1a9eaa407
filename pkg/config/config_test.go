package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Address != ":8080" {
		t.Errorf("unexpected default address %q", cfg.Address)
	}
	if len(cfg.Modes) == 0 {
		t.Error("expected a default mode")
	}
	if len(cfg.Providers) != 3 {
		t.Errorf("expected 3 default providers, got %d", len(cfg.Providers))
	}
}

func TestLoadOverlay(t *testing.T) {
	path := writeConfig(t, `
[server]
address = ":9090"
idle_timeout_seconds = 30

[storage]
path = "/tmp/test.db"

[log]
level = "debug"

[[providers]]
type = "openai"
name = "local"
base_url = "http://localhost:11434"
api_key = "unused"

[[providers]]
type = "claude"
name = "claude"
api_key = "sk-test"
max_tokens = 1024

[[modes]]
id = "coding"
name = "Coding"
system_instruction = "You are a coding assistant."
window_size = 6
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Address != ":9090" {
		t.Errorf("unexpected address %q", cfg.Address)
	}
	if cfg.IdleTimeout != 30*time.Second {
		t.Errorf("unexpected idle timeout %s", cfg.IdleTimeout)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("unexpected log level %v", cfg.LogLevel)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	if cfg.Providers[0].Name() != "local" || cfg.Providers[1].Name() != "claude" {
		t.Errorf("unexpected provider names: %s, %s", cfg.Providers[0].Name(), cfg.Providers[1].Name())
	}

	if len(cfg.Modes) != 1 {
		t.Fatalf("expected 1 mode, got %d", len(cfg.Modes))
	}
	mode := cfg.Modes[0]
	if mode.ID != "coding" || mode.WindowSize != 6 {
		t.Errorf("unexpected mode: %+v", mode)
	}
}

func TestLoadUnknownProviderType(t *testing.T) {
	path := writeConfig(t, `
[[providers]]
type = "mystery"
name = "x"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected an error for unknown provider type")
	}
}

func TestLoadNegativeWindowSize(t *testing.T) {
	path := writeConfig(t, `
[[modes]]
id = "broken"
window_size = -1
`)
	if _, err := Load(path); err == nil {
		t.Error("expected an error for a negative window size")
	}
}

func TestLoadMissingTypeField(t *testing.T) {
	path := writeConfig(t, `
[[providers]]
name = "typeless"
`)
	if _, err := Load(path); err == nil {
		t.Error("expected an error for a provider block without type")
	}
}

func TestBuildRegistrySkipsUnresolvable(t *testing.T) {
	path := writeConfig(t, `
[[providers]]
type = "openai"
name = "good"
api_key = "k"

[[providers]]
type = "claude"
name = "keyless"
api_key_env = "AI_CHAT_TEST_UNSET_ENV"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	reg := cfg.BuildRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, ok := reg.Get("good"); !ok {
		t.Error("expected provider with inline key to be registered")
	}
	if _, ok := reg.Get("keyless"); ok {
		t.Error("provider with unresolvable key must be skipped")
	}
}
