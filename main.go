package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gilchrisn/feature-sankey-service/pkg/config"
)

var (
	configPath string
	dbPath     string

	cfg    = config.NewConfig()
	logger zerolog.Logger

	rootCmd = &cobra.Command{
		Use:   "sankey",
		Short: "Offline tools for the feature Sankey service",
		Long: `sankey loads feature score datasets into the SQLite feature store
and builds partition trees offline, printing the compiled layout or an SVG
snapshot.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				if err := cfg.LoadFromFile(configPath); err != nil {
					return err
				}
			}
			if dbPath != "" {
				cfg.Set("store.path", dbPath)
			}
			logger = cfg.CreateLogger()
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Feature store path (overrides store.path)")

	rootCmd.AddCommand(importCmd, metricsCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
