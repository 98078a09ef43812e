package main

import (
	"github.com/spf13/cobra"

	"voicekeeper/internal/database"
	"voicekeeper/internal/tracker"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Close sessions left open by a crashed run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, log, db, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		t := tracker.New(database.NewRepository(db), log, true, cfg.Tracking.ExcludedChannels)
		return t.Reconcile(ctx)
	},
}
