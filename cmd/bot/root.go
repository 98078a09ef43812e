package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"voicekeeper/internal/config"
	"voicekeeper/internal/database"
	"voicekeeper/internal/logger"
	"voicekeeper/internal/models"
)

var configPath string

// rootCmd runs the bot when called without a subcommand
var rootCmd = &cobra.Command{
	Use:   "voicekeeper",
	Short: "Dynamic voice channels and voice time tracking for a Discord guild",
	Long: `voicekeeper provisions a personal voice channel for everyone joining the
lobby, hands ownership over when the owner leaves and deletes empty channels.
It also records voice sessions in Postgres and trims old session detail.`,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML settings file (overrides CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbtrunkCmd)
	rootCmd.AddCommand(reconcileCmd)
}

// bootstrap loads configuration, builds the logger and connects the database
func bootstrap(ctx context.Context) (*config.Config, *logger.Logger, *database.DB, error) {
	if configPath != "" {
		if err := os.Setenv("CONFIG_FILE", configPath); err != nil {
			return nil, nil, nil, err
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := database.New(ctx, cfg.DatabaseDSN, log.With(logger.F("component", "database")))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return cfg, log, db, nil
}

func retention(cfg *config.Config) models.RetentionConfig {
	return models.RetentionConfig{
		DetailedSessionsDays:   cfg.Cleanup.Retention.DetailedSessionsDays,
		MonthlySummariesMonths: cfg.Cleanup.Retention.MonthlySummariesMonths,
		YearlySummariesYears:   cfg.Cleanup.Retention.YearlySummariesYears,
	}
}
