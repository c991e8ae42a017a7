package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Walk the hash chain and report whether it is intact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(true)
			if err != nil {
				return err
			}
			defer db.Close()

			r := db.VerifyHashChain()
			fmt.Fprintf(cmd.OutOrStdout(), "entries checked: %d\n", r.EntriesChecked)
			if !r.OK {
				return fmt.Errorf("chain broken: %s", r.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
