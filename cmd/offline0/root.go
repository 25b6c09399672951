package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "offline0",
	Short: "Offline-first caching engine for a web origin",
	Long: `offline0 sits between browsers and a web application and keeps it usable
without a network: pages, data, assets and API snapshots are cached per
strategy, writes made offline are queued and replayed, and shared content
is held until the app picks it up.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
}

// openService loads the config and builds a service. The caller must Close
// the service.
func openService() (*offline0.Service, zerolog.Logger, offline0.Config, error) {
	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		return nil, zerolog.Nop(), offline0.Config{}, fmt.Errorf("load config: %w", err)
	}
	log := offline0.NewLogger(cfg, os.Stderr)
	svc, err := offline0.NewService(cfg, log)
	if err != nil {
		return nil, log, cfg, fmt.Errorf("init service: %w", err)
	}
	return svc, log, cfg, nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
