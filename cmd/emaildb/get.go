package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/netninjacorp/emaildb"
	"github.com/netninjacorp/emaildb/ids"
)

func newGetCmd() *cobra.Command {
	var byMessageID bool
	cmd := &cobra.Command{
		Use:   "get <email-id|message-id>",
		Short: "Print one email's envelope and text body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(true)
			if err != nil {
				return err
			}
			defer db.Close()

			if byMessageID {
				p, err := db.GetEmailByMessageID(args[0])
				if err != nil {
					return err
				}
				printEmail(cmd.OutOrStdout(), p)
				return nil
			}

			id, err := ids.Parse(args[0])
			if err != nil {
				return err
			}
			p, err := db.GetEmail(id)
			if err != nil {
				return err
			}
			printEmail(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&byMessageID, "message-id", false, "look up by RFC 5322 Message-ID instead of email id")
	return cmd
}

func printEmail(w io.Writer, p emaildb.ParsedEmail) {
	fmt.Fprintf(w, "Id:           %s\n", p.ID.String())
	fmt.Fprintf(w, "Message-Id:   %s\n", p.MessageID)
	fmt.Fprintf(w, "Subject:      %s\n", p.Subject)
	fmt.Fprintf(w, "From:         %s\n", p.From)
	fmt.Fprintf(w, "To:           %s\n", strings.Join(p.To, ", "))
	fmt.Fprintf(w, "Attachments:  %v (%d)\n", p.HasAttachments, len(p.Attachments))
	fmt.Fprintln(w)
	fmt.Fprintln(w, p.TextBody)
}
