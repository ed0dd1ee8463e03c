package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"certmailer/internal/reaper"
	"certmailer/internal/storage"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Delete leftover temporary presentations once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDatabase()
		if err != nil {
			return err
		}
		defer db.Close()
		store, err := openGoogleStore(cmd)
		if err != nil {
			return err
		}
		res, err := reaper.New(store, storage.NewLedger(db), cfg.BasicConfig.ReapAge(), cfg.BasicConfig.RemoteTimeout(), logger.Named("reaper")).Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d, failed %d\n", res.Deleted, res.Failed)
		return nil
	},
}
