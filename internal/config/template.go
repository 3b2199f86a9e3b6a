package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"
)

// GenerateTemplateConfig builds a starter configuration and optionally
// writes it to ./config.yaml.
func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		ClientID:        "client-1",
		BindAddress:     "127.0.0.1",
		SocksServerPort: 1080,

		LogLevel: "info",

		RuleFeed: "rules.yaml",

		AgentUser:    "agent@example.com",
		HealthzUsers: []string{"admin@example.com"},

		APIAddress: "127.0.0.1:8182",
	}

	if writeToFile {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile("config.yaml", data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
