package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print database-wide counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(true)
			if err != nil {
				return err
			}
			defer db.Close()

			s := db.Stats()
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Total emails:          %d\n", s.TotalEmails)
			fmt.Fprintf(w, "Total folders:         %d\n", s.TotalFolders)
			fmt.Fprintf(w, "Storage blocks:        %d\n", s.StorageBlocks)
			fmt.Fprintf(w, "Total bytes:           %s\n", humanize.Bytes(uint64(s.TotalBytes)))
			fmt.Fprintf(w, "Search indexes:        %d\n", s.SearchIndexes)
			fmt.Fprintf(w, "Payload cache entries: %d\n", s.PayloadCacheEntries)
			fmt.Fprintf(w, "Folder cache entries:  %d\n", s.FolderCacheEntries)
			return nil
		},
	}
}
