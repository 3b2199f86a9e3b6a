package cmd

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openconnector/sdagent/internal/api"
	"github.com/openconnector/sdagent/internal/config"
	"github.com/openconnector/sdagent/internal/feed"
	"github.com/openconnector/sdagent/internal/log"
	"github.com/openconnector/sdagent/internal/rule"
	"github.com/openconnector/sdagent/internal/server/socks5"
	"github.com/openconnector/sdagent/internal/statistics"
)

var (
	AppVersion    = "Development"
	shutdownChain []func() error
)

var rootCmd = &cobra.Command{
	Use:   "sdagent",
	Short: "sdagent tunnels internal resources through a credential-gated SOCKS5 proxy",
	Long: "sdagent ingests declarative resource access rules, validates and provisions them, " +
		"and serves the resulting grants through a per-rule-credential SOCKS5 proxy.",
	RunE: runRoot,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.Flags().StringP("config", "c", "", "Config file path")
	rootCmd.Flags().String("client-id", "", "This agent's client identity")
	rootCmd.Flags().StringP("bind", "b", "", "SOCKS bind address")
	rootCmd.Flags().IntP("port", "p", 0, "SOCKS server port")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level")
	rootCmd.Flags().StringP("rule-feed", "f", "", "Rule feed YAML path")
	rootCmd.Flags().String("rules", "", "Inline rules JSON")
	rootCmd.Flags().String("agent-user", "", "Agent principal (user@domain)")
	rootCmd.Flags().StringSlice("healthz-users", nil, "Extra principals allowed on healthz")
	rootCmd.Flags().String("api-address", "", "Admin API listen address")
	rootCmd.Flags().String("api-secret", "", "Admin API bearer secret")
	rootCmd.Flags().BoolP("version", "v", false, "Show version")
	rootCmd.Flags().BoolP("generate-config", "g", false, "Generate template config file")

	_ = viper.BindPFlag("config", rootCmd.Flags().Lookup("config"))
	_ = viper.BindPFlag("client-id", rootCmd.Flags().Lookup("client-id"))
	_ = viper.BindPFlag("bind-address", rootCmd.Flags().Lookup("bind"))
	_ = viper.BindPFlag("socks-server-port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("log-level", rootCmd.Flags().Lookup("log-level"))
	_ = viper.BindPFlag("rule-feed", rootCmd.Flags().Lookup("rule-feed"))
	_ = viper.BindPFlag("rules-json", rootCmd.Flags().Lookup("rules"))
	_ = viper.BindPFlag("agent-user", rootCmd.Flags().Lookup("agent-user"))
	_ = viper.BindPFlag("healthz-users", rootCmd.Flags().Lookup("healthz-users"))
	_ = viper.BindPFlag("api-address", rootCmd.Flags().Lookup("api-address"))
	_ = viper.BindPFlag("api-secret", rootCmd.Flags().Lookup("api-secret"))

	viper.SetEnvPrefix("SDAGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func initConfig() {
	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("Failed to read config file", slog.Any("error", err))
			os.Exit(1)
		}
	}

	viper.SetDefault("bind-address", "127.0.0.1")
	viper.SetDefault("socks-server-port", 1080)
	viper.SetDefault("log-level", "info")
}

func runRoot(cmd *cobra.Command, args []string) error {
	showVer, _ := cmd.Flags().GetBool("version")
	if showVer {
		fmt.Printf("sdagent version %s\n", AppVersion)
		return nil
	}

	genConfig, _ := cmd.Flags().GetBool("generate-config")
	if genConfig {
		if _, err := config.GenerateTemplateConfig(true); err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	log.SetLogConf(cfg.LogLevel)
	log.LogHeader(AppVersion, cfg)

	rules, err := loadRules(cfg)
	if err != nil {
		slog.Error("rule feed load failed", slog.Any("error", err))
		return err
	}

	provisioned, creds, err := buildRuleSet(cfg, rules)
	if err != nil {
		if kind, ok := rule.ErrKind(err); ok {
			slog.Error("rule set rejected", slog.String("kind", kind.String()), slog.Any("error", err))
		} else {
			slog.Error("rule set rejected", slog.Any("error", err))
		}
		return err
	}
	slog.Info("rule set provisioned",
		slog.Int("rules", len(provisioned)), slog.Int("credentials", len(creds)))

	rec := statistics.NewRecorder()
	rec.Start()
	addShutdown("recorder.Close", rec.Close)

	srv, err := socks5.New(cfg, creds, rec)
	if err != nil {
		slog.Error("socks5.New", slog.Any("error", err))
		shutdown()
		return err
	}
	addShutdown("srv.Close", srv.Close)
	if err := srv.Start(); err != nil {
		slog.Error("srv.Start", slog.Any("error", err))
		shutdown()
		return err
	}

	if cfg.APIAddress != "" {
		apiSrv := api.New(cfg.APIAddress, AppVersion, cfg, provisioned, rec)
		addShutdown("apiSrv.Close", apiSrv.Close)
		if err := apiSrv.Start(); err != nil {
			slog.Error("apiSrv.Start", slog.Any("error", err))
			shutdown()
			return err
		}
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			return nil
		case syscall.SIGHUP:
		default:
			return nil
		}
	}
}

// loadRules reads the raw rule set from the configured source: the YAML
// feed file when present, otherwise the inline JSON.
func loadRules(cfg *config.Config) ([]*rule.Rule, error) {
	if cfg.RuleFeed != "" {
		return feed.ParseFile(cfg.RuleFeed)
	}
	if cfg.RulesJSON != "" {
		return feed.ParseJSON(cfg.RulesJSON)
	}
	// No source configured: hand the validator an empty set so the
	// rejection carries the standard reason.
	return nil, nil
}

// buildRuleSet runs the engine pipeline: config-phase validation,
// provisioning scoped to this client, runtime-phase validation, and
// credential projection. Any failure leaves nothing committed.
func buildRuleSet(cfg *config.Config, rules []*rule.Rule) ([]*rule.Rule, map[string]rule.Endpoint, error) {
	if err := rule.SetRuleNumFromName(rules); err != nil {
		return nil, nil, err
	}
	if err := rule.ValidateAll(rules); err != nil {
		return nil, nil, err
	}

	prov := rule.NewProvisioner(nil, nil)
	provisioned, err := prov.Provision(rules, rule.ProvisionConfig{
		ClientID:        cfg.ClientID,
		SocksServerPort: cfg.SocksServerPort,
		HealthzPort:     healthzPort(cfg.APIAddress),
		AgentUser:       cfg.AgentUser,
		HealthzUsers:    cfg.HealthzUsers,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := rule.ValidateRuntimeAll(provisioned); err != nil {
		return nil, nil, err
	}

	creds, err := rule.Credentials(provisioned)
	if err != nil {
		return nil, nil, err
	}
	return provisioned, creds, nil
}

func healthzPort(apiAddress string) int {
	if apiAddress == "" {
		return 0
	}
	_, portStr, err := net.SplitHostPort(apiAddress)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func addShutdown(name string, fn func() error) {
	shutdownChain = append(shutdownChain, func() error {
		if err := fn(); err != nil {
			slog.Error(name, slog.Any("error", err))
			return err
		}
		return nil
	})
}

func shutdown() {
	for i := len(shutdownChain) - 1; i >= 0; i-- {
		_ = shutdownChain[i]()
	}
	slog.Info("sdagent exit")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
