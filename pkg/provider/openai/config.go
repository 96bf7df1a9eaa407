package openai

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
	return New(c.ConfigName, provider.Credentials{
		APIKey:  apiKey,
		BaseURL: c.BaseURL,
	}), nil
}

func DefaultConfig() *Config {
	return &Config{
		ConfigName:    "openai",
		APIKeyFromEnv: "OPENAI_API_KEY",
	}
}
