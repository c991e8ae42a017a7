package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.eml>...",
		Short: "Import one or more RFC 5322 messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(false)
			if err != nil {
				return err
			}
			defer db.Close()

			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStderr(), "%s: %v\n", path, err)
					continue
				}
				id, err := db.ImportEML(raw)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", filepath.Base(path), id.String())
			}
			return nil
		},
	}
}
