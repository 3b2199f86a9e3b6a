package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the agent's runtime configuration, assembled from flags,
// environment, and an optional YAML config file via viper.
type Config struct {
	// ClientID is this agent's identity in the rule feed.
	ClientID string `mapstructure:"client-id" yaml:"client-id" validate:"required,excludesall=0x20"`

	BindAddress     string `mapstructure:"bind-address" yaml:"bind-address" validate:"required"`
	SocksServerPort int    `mapstructure:"socks-server-port" yaml:"socks-server-port" validate:"gte=1,lte=65535"`

	LogLevel string `mapstructure:"log-level" yaml:"log-level" validate:"oneof=debug info warn error"`

	// RuleFeed is the path of the YAML rule feed. RulesJSON is an inline
	// JSON alternative; when both are set the file wins.
	RuleFeed  string `mapstructure:"rule-feed" yaml:"rule-feed"`
	RulesJSON string `mapstructure:"rules-json" yaml:"rules-json,omitempty"`

	// AgentUser is the agent's own principal, always granted access to the
	// built-in healthz rule.
	AgentUser    string   `mapstructure:"agent-user" yaml:"agent-user" validate:"required,contains=@,excludesall=0x20"`
	HealthzUsers []string `mapstructure:"healthz-users" yaml:"healthz-users,omitempty"`

	// APIAddress is the admin/diagnostics HTTP listen address. Empty
	// disables the admin server.
	APIAddress string `mapstructure:"api-address" yaml:"api-address,omitempty"`
	APISecret  string `mapstructure:"api-secret" yaml:"api-secret,omitempty"`
}

// BuildConfigFromViper decodes the merged viper state into a Config and
// validates it.
func BuildConfigFromViper() (*Config, error) {
	cfg := &Config{}
	decode := func(c *mapstructure.DecoderConfig) {
		c.TagName = "mapstructure"
		c.WeaklyTypedInput = true
	}
	if err := viper.Unmarshal(cfg, decode); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return nil, fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Client ID", c.ClientID),
		slog.String("Log Level", c.LogLevel),
		slog.String("Bind Address", c.BindAddress),
		slog.Int("SOCKS Server Port", c.SocksServerPort),
		slog.String("Rule Feed", c.RuleFeed),
		slog.String("Agent User", c.AgentUser),
		slog.String("API Address", c.APIAddress),
	)
}
