// package config loads the service configuration: listen address,
// storage path, log level, the provider blocks and the mode catalog.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Xuzeipan/ai-chat/pkg/chat"
	"github.com/Xuzeipan/ai-chat/pkg/provider"
	"github.com/Xuzeipan/ai-chat/pkg/provider/claude"
	"github.com/Xuzeipan/ai-chat/pkg/provider/gemini"
	"github.com/Xuzeipan/ai-chat/pkg/provider/openai"
)

type ProviderType string

const (
	ProviderTypeOpenAI ProviderType = "openai"
	ProviderTypeClaude ProviderType = "claude"
	ProviderTypeGemini ProviderType = "gemini"
)

// ProviderConfig is one configured upstream. The concrete type is
// selected by the "type" discriminator of its TOML block.
type ProviderConfig interface {
	Name() string
	NewProvider() (provider.Provider, error)
}

type Config struct {
	Address     string
	DBPath      string
	IdleTimeout time.Duration
	LogLevel    slog.Level
	Providers   []ProviderConfig
	Modes       []chat.Mode
}

type serverConfig struct {
	Address            string `toml:"address"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
}

type storageConfig struct {
	Path string `toml:"path"`
}

type logConfig struct {
	Level string `toml:"level"`
}

type modeConfig struct {
	ID                string `toml:"id"`
	Name              string `toml:"name"`
	SystemInstruction string `toml:"system_instruction"`
	WindowSize        int    `toml:"window_size"`
}

type fileConfig struct {
	Server    serverConfig     `toml:"server"`
	Storage   storageConfig    `toml:"storage"`
	Log       logConfig        `toml:"log"`
	Providers []map[string]any `toml:"providers"`
	Modes     []modeConfig     `toml:"modes"`
}

func providerConfigFrom(m map[string]any) (ProviderConfig, error) {
	ptData, ok := m["type"]
	if !ok {
		return nil, fmt.Errorf("missing field type for provider config")
	}
	ptStr, ok := ptData.(string)
	if !ok {
		return nil, fmt.Errorf("type mismatch for type field: want string got %T", ptData)
	}
	marshaled, err := toml.Marshal(m)
	if err != nil {
		return nil, err
	}
	switch ProviderType(ptStr) {
	case ProviderTypeOpenAI:
		cfg := openai.DefaultConfig()
		if err := toml.Unmarshal(marshaled, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	case ProviderTypeClaude:
		cfg := claude.DefaultConfig()
		if err := toml.Unmarshal(marshaled, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	case ProviderTypeGemini:
		cfg := gemini.DefaultConfig()
		if err := toml.Unmarshal(marshaled, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("unknown provider type %s", ptStr)
}

func Default() *Config {
	return &Config{
		Address:     ":8080",
		DBPath:      "ai-chat.db",
		IdleTimeout: 60 * time.Second,
		LogLevel:    slog.LevelInfo,
		Providers: []ProviderConfig{
			openai.DefaultConfig(),
			claude.DefaultConfig(),
			gemini.DefaultConfig(),
		},
		Modes: []chat.Mode{
			{
				ID:                "default",
				Name:              "Assistant",
				SystemInstruction: "You are a helpful assistant.",
				WindowSize:        10,
			},
		},
	}
}

// Load reads the TOML file at path and overlays it on the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if fc.Server.Address != "" {
		config.Address = fc.Server.Address
	}
	if fc.Server.IdleTimeoutSeconds > 0 {
		config.IdleTimeout = time.Duration(fc.Server.IdleTimeoutSeconds) * time.Second
	}
	if fc.Storage.Path != "" {
		config.DBPath = fc.Storage.Path
	}
	if fc.Log.Level != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(fc.Log.Level)); err != nil {
			return nil, fmt.Errorf("failed to parse log level: %w", err)
		}
		config.LogLevel = level
	}

	if len(fc.Providers) > 0 {
		config.Providers = nil
		for i, block := range fc.Providers {
			pc, err := providerConfigFrom(block)
			if err != nil {
				return nil, fmt.Errorf("failed to parse %d-th provider config: %w", i, err)
			}
			config.Providers = append(config.Providers, pc)
		}
	}
	if len(fc.Modes) > 0 {
		config.Modes = nil
		for _, m := range fc.Modes {
			if m.WindowSize < 0 {
				return nil, fmt.Errorf("mode %s: window_size must not be negative", m.ID)
			}
			config.Modes = append(config.Modes, chat.Mode{
				ID:                m.ID,
				Name:              m.Name,
				SystemInstruction: m.SystemInstruction,
				WindowSize:        m.WindowSize,
			})
		}
	}
	return config, nil
}

// BuildRegistry instantiates the configured providers. Providers
// whose credentials cannot be resolved are skipped with a warning so
// a partially configured install still serves the rest.
func (c *Config) BuildRegistry(logger *slog.Logger) *provider.Registry {
	var providers []provider.Provider
	for _, pc := range c.Providers {
		p, err := pc.NewProvider()
		if err != nil {
			logger.Warn("skipping provider", "name", pc.Name(), "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return provider.NewRegistry(providers...)
}
