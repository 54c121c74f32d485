package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/pineai/pkg/pine"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionDeleteCmd)
	sessionListCmd.Flags().String("state", "", "filter by session state")
	sessionListCmd.Flags().Int("limit", 30, "page size")
	sessionListCmd.Flags().Int("offset", 0, "page offset")
	sessionDeleteCmd.Flags().Bool("force", false, "delete even with a running task")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		listing, err := client.ListSessions(context.Background(), state, limit, offset)
		if err != nil {
			return err
		}
		if len(listing.Sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATE\tUPDATED")
		for _, s := range listing.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Title, s.State, s.UpdatedAt)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d of %d sessions\n", len(listing.Sessions), listing.Total)
		return nil
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		info, err := client.CreateSession(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Created session %s\n%s\n", info.ID, client.SessionURL(info.ID))
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		force, _ := cmd.Flags().GetBool("force")
		if err := client.DeleteSession(context.Background(), pine.SessionID(args[0]), force); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", args[0])
		return nil
	},
}
