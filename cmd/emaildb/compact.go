package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run maintenance, compacting the file if superseded space crosses the configured threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(false)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.RunMaintenance(context.Background())
		},
	}
}
