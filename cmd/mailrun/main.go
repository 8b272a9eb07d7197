package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailrun/internal/app"
	"github.com/foxzi/mailrun/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailrun",
	Short: "mailrun - rate-limited newsletter sender",
	Long: `mailrun sends one newsletter campaign at a time through an SMTP provider,
in hourly batches, pausing itself when the provider starts refusing mail.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign service",
	Long:  `Start the HTTP control API, metrics endpoint and configured batch triggers.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mailrun version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Hostname:  %s\n", cfg.Server.Hostname)
	fmt.Printf("  Transport: %s %s:%d (%s)\n", cfg.Transport.Provider, cfg.Transport.Host, cfg.Transport.Port, cfg.Transport.Security)
	fmt.Printf("  Storage:   %s\n", storageDescription(cfg.Storage))
	fmt.Printf("  History:   %s\n", cfg.History.Dir)
	if cfg.API.Enabled {
		fmt.Printf("  API:       %s\n", cfg.API.ListenAddr)
	} else {
		fmt.Printf("  API:       disabled\n")
	}
	if cfg.Trigger.Interval > 0 {
		fmt.Printf("  Ticker:    every %s\n", cfg.Trigger.Interval)
	}
	if cfg.Trigger.AMQP.URL != "" {
		fmt.Printf("  AMQP:      queue %s\n", cfg.Trigger.AMQP.Queue)
	}

	return nil
}

func storageDescription(s config.StorageConfig) string {
	if s.Backend == "redis" {
		return fmt.Sprintf("redis %s key %s", s.Redis.Addr, s.Redis.Key)
	}
	return "bolt " + s.Path
}
