package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/netninjacorp/emaildb/ids"
)

func newFolderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage folders and folder membership",
	}
	cmd.AddCommand(
		newFolderCreateCmd(),
		newFolderAddCmd(),
		newFolderMoveCmd(),
		newFolderDeleteCmd(),
		newFolderListCmd(),
	)
	return cmd
}

func newFolderCreateCmd() *cobra.Command {
	var parentID int64
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(false)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.CreateFolder(args[0], parentID)
		},
	}
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent folder id (0 is the root)")
	return cmd
}

func newFolderAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <email-id> <folder>",
		Short: "File an email under a folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.Parse(args[0])
			if err != nil {
				return err
			}
			db, err := openDB(false)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.AddToFolder(id, args[1])
		},
	}
}

func newFolderMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <email-id> <from> <to>",
		Short: "Move an email between folders",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.Parse(args[0])
			if err != nil {
				return err
			}
			db, err := openDB(false)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Move(id, args[1], args[2])
		},
	}
}

func newFolderDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <email-id>",
		Short: "Delete an email and remove it from every folder it belongs to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ids.Parse(args[0])
			if err != nil {
				return err
			}
			db, err := openDB(false)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete(id)
		},
	}
}

func newFolderListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <folder>",
		Short: "List a folder's current contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(true)
			if err != nil {
				return err
			}
			defer db.Close()

			envs, err := db.ListFolder(args[0])
			if err != nil {
				return err
			}
			for _, e := range envs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", e.EmailID, e.From, e.Subject)
			}
			return nil
		},
	}
}
