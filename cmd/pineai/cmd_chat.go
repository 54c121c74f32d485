package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/pineai/internal/render"
	"github.com/user/pineai/pkg/pine"
)

func init() {
	rootCmd.AddCommand(chatCmd, sendCmd, listenCmd)
	sendCmd.Flags().Bool("json", false, "print events as JSON lines")
	sendCmd.Flags().StringSlice("attach", nil, "attachment file to upload and include (repeatable)")
}

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Interactive chat (creates a session if none given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var sessionID pine.SessionID
		if len(args) == 1 {
			sessionID = pine.SessionID(args[0])
		} else {
			info, err := client.CreateSession(ctx)
			if err != nil {
				return err
			}
			sessionID = info.ID
			fmt.Printf("New session %s\n", sessionID)
		}

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Disconnect()
		if err := client.JoinSession(ctx, sessionID); err != nil {
			return err
		}

		fmt.Println("Connected. Type a message, or /quit to exit.")
		reader := bufio.NewReader(os.Stdin)
		for {
			fmt.Print("> ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "/quit" || line == "/exit" {
				return nil
			}

			st, err := client.Chat(ctx, sessionID, line, nil)
			if err != nil {
				return err
			}
			for st.Next(ctx) {
				printEvent(st.Event(), false)
			}
			if err := st.Err(); err != nil {
				return err
			}
		}
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <session-id> <message>",
	Short: "Send one message and print the response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		asJSON, _ := cmd.Flags().GetBool("json")
		attach, _ := cmd.Flags().GetStringSlice("attach")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var attachmentIDs []string
		for _, path := range attach {
			uploaded, err := client.UploadAttachment(ctx, path)
			if err != nil {
				return err
			}
			for _, a := range uploaded {
				attachmentIDs = append(attachmentIDs, a.ID)
			}
		}

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Disconnect()

		sessionID := pine.SessionID(args[0])
		st, err := client.Chat(ctx, sessionID, args[1], attachmentIDs)
		if err != nil {
			return err
		}
		for st.Next(ctx) {
			printEvent(st.Event(), asJSON)
		}
		return st.Err()
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen <session-id>",
	Short: "Stream a session's events without sending anything",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newClient()
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Disconnect()

		st, err := client.Listen(ctx, pine.SessionID(args[0]))
		if err != nil {
			return err
		}
		fmt.Println("Listening. Ctrl-C to stop.")
		for st.Next(ctx) {
			printEvent(st.Event(), false)
		}
		return nil
	},
}

func printEvent(ev pine.Event, asJSON bool) {
	if asJSON {
		line, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Println(string(line))
		return
	}

	switch ev.Type {
	case pine.EventAck:
		// Delivery receipts are noise in interactive use.
	case pine.EventText:
		if ev.Partial {
			fmt.Printf("%s [interrupted]\n", ev.Text.Content)
		} else {
			fmt.Println(ev.Text.Content)
		}
	case pine.EventWorkLog:
		status := ev.WorkLog.Status
		if status == "" {
			status = "working"
		}
		fmt.Printf("  [%s] %s\n", status, ev.WorkLog.Text)
	case pine.EventForm:
		if ev.Form.MessageToUser != "" {
			fmt.Println(ev.Form.MessageToUser)
		}
		if md := render.RichContent(ev.Form.RichContent); md != "" {
			fmt.Println(md)
		}
		for _, f := range ev.Form.Fields {
			label := f.Label
			if label == "" {
				label = f.Name
			}
			fmt.Printf("  %s (%s)\n", label, f.Name)
		}
	case pine.EventTaskReady:
		fmt.Println("Task is ready to start. Run: pineai task start <session-id>")
	case pine.EventTaskUpdate:
		fmt.Printf("Task %s\n", ev.Task.Status)
		if comp := ev.Task.Completion; comp != nil {
			if comp.ResultTitle != "" {
				fmt.Println(comp.ResultTitle)
			}
			if comp.ResultDescription != "" {
				fmt.Println(comp.ResultDescription)
			}
		}
	case pine.EventPayment:
		fmt.Println("Payment requested. Complete it in the web app.")
	case pine.EventError:
		fmt.Fprintf(os.Stderr, "Error: %s\n", ev.Err.Message)
	}
}
