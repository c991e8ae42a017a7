// Command emaildb is a thin CLI driver over package emaildb, for scripting
// imports, lookups, search, and maintenance against a single database file
// without writing Go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath          string
	compressionName = "none"
	encryptionName  = "none"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "emaildb",
		Short:         "Operate on an emaildb block-storage file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "mail.emdb", "path to the database file")
	root.PersistentFlags().Var(newCompressionFlag(&compressionName), "compression", "block compression: none, gzip, lz4, zstd, brotli")
	root.PersistentFlags().Var(newEncryptionFlag(&encryptionName), "encryption", "block encryption: none, aes256_gcm, chacha20_poly1305, aes256_cbc_hmac")

	root.AddCommand(
		newImportCmd(),
		newGetCmd(),
		newSearchCmd(),
		newFolderCmd(),
		newStatsCmd(),
		newVerifyCmd(),
		newCompactCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
