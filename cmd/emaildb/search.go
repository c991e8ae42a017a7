package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed emails and print ranked hits",
		Long: `Query grammar: bare words match subject/from/to/body; "field:value"
restricts a term to one field (subject, from, to, body); "NOT" negates the
following term; "OR" at the top level splits alternative groups.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(true)
			if err != nil {
				return err
			}
			defer db.Close()

			results, err := db.Search(strings.Join(args, " "))
			if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(cmd.OutOrStdout(), "%.2f\t%s\n", r.Score, r.ID.String())
			}
			return nil
		},
	}
}
