package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"voicekeeper/internal/database"
	"voicekeeper/internal/truncation"
)

var dbtrunkForce bool

var dbtrunkCmd = &cobra.Command{
	Use:   "dbtrunk",
	Short: "Run one retention cleanup and print the report",
	Long: `dbtrunk deletes closed voice sessions older than the configured
detailed_sessions_days horizon. Lifetime totals are never changed.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, log, db, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		engine := truncation.New(database.NewRepository(db), log, cfg.Cleanup.Enabled || dbtrunkForce, retention(cfg))
		stats, err := engine.RunCleanup(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	dbtrunkCmd.Flags().BoolVar(&dbtrunkForce, "force", false, "run even when cleanup is disabled in the configuration")
}
