package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd, authStatusCmd, authLogoutCmd)
	authLoginCmd.Flags().String("email", "", "account email (prompted if omitted)")
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage login credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with an emailed verification code",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		ctx := context.Background()
		reader := bufio.NewReader(os.Stdin)

		email, _ := cmd.Flags().GetString("email")
		if email == "" {
			fmt.Print("Email: ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("read email: %w", err)
			}
			email = strings.TrimSpace(line)
		}
		if email == "" {
			return fmt.Errorf("email is required")
		}

		challenge, err := client.RequestCode(ctx, email)
		if err != nil {
			return err
		}
		fmt.Printf("A verification code was sent to %s.\n", email)
		fmt.Print("Code: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read code: %w", err)
		}
		code := strings.TrimSpace(line)

		verified, err := client.VerifyCode(ctx, email, code, challenge.RequestToken)
		if err != nil {
			return err
		}
		fmt.Printf("Logged in as %s (ID: %s)\n", email, verified.UserID)
		return nil
	},
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current login",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		if !client.LoggedIn() {
			fmt.Println("Not logged in.")
			return nil
		}
		fmt.Printf("Logged in as %s (ID: %s)\n", client.UserEmail(), client.UserID())
		return nil
	},
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Delete the stored credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		if err := client.Logout(); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}
