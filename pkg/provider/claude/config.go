package claude

import (
	"fmt"
	"os"

	"github.com/Xuzeipan/ai-chat/pkg/provider"
)

type Config struct {
	ConfigName    string `toml:"name"`
	BaseURL       string `toml:"base_url"`
	APIKey        string `toml:"api_key"`
	APIKeyFromEnv string `toml:"api_key_env"`
	MaxTokens     int    `toml:"max_tokens"`
}

func (c *Config) Name() string {
	return c.ConfigName
}

func (c *Config) apiKey() (string, error) {
	if c.APIKeyFromEnv != "" {
		apiKey := os.Getenv(c.APIKeyFromEnv)
		if apiKey == "" {
			return "", fmt.Errorf("env variable %s not defined", c.APIKeyFromEnv)
		}
		return apiKey, nil
	}
	if c.APIKey == "" {
		return "", fmt.Errorf("either api_key or api_key_env must be specified")
	}
	return c.APIKey, nil
}

func (c *Config) NewProvider() (provider.Provider, error) {
	apiKey, err := c.apiKey()
	if err != nil {
		return nil, err
	}
	p := New(c.ConfigName, provider.Credentials{
		APIKey:  apiKey,
		BaseURL: c.BaseURL,
	})
	if c.MaxTokens > 0 {
		p.maxTokens = c.MaxTokens
	}
	return p, nil
}

func DefaultConfig() *Config {
	return &Config{
		ConfigName:    "claude",
		APIKeyFromEnv: "ANTHROPIC_API_KEY",
		MaxTokens:     defaultMaxTokens,
	}
}
