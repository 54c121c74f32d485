package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/pineai/pkg/pine"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskStartCmd, taskStopCmd)
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Control a session's task",
}

var taskStartCmd = &cobra.Command{
	Use:   "start <session-id>",
	Short: "Confirm and launch the session's prepared task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		if err := client.StartTask(context.Background(), pine.SessionID(args[0])); err != nil {
			return err
		}
		fmt.Printf("Task started for session %s. Follow progress with: pineai chat %s\n", args[0], args[0])
		return nil
	},
}

var taskStopCmd = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "Stop the session's running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		if err := client.StopTask(context.Background(), pine.SessionID(args[0])); err != nil {
			return err
		}
		fmt.Printf("Task stopped for session %s.\n", args[0])
		return nil
	},
}
