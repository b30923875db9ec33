package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensandbox/boltshell/pkg/client"
	"github.com/opensandbox/boltshell/pkg/types"
)

var chatCmd = &cobra.Command{
	Use:   "chat <prompt...>",
	Short: "Send a prompt and apply the actions in the reply",
	Long: `Stream a completion for the prompt. File actions in the reply are written
to the workspace as they arrive and shell actions run in the active session
once the reply is complete.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}
		session, _ := cmd.Flags().GetString("session")
		quiet, _ := cmd.Flags().GetBool("quiet")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c := client.NewClient(baseURL, apiKey)
		req := types.ChatRequest{SessionID: session, Prompt: strings.Join(args, " ")}
		err := c.Chat(ctx, req, func(ev types.ChatEvent) {
			switch ev.Type {
			case types.ChatEventContent:
				if !quiet {
					fmt.Print(ev.Content)
				}
			case types.ChatEventAction:
				if ev.Action != nil {
					fmt.Fprintln(os.Stderr, describeAction(ev.Action))
				}
			case types.ChatEventDone:
				if !quiet {
					fmt.Println()
				}
			}
		})
		if err != nil {
			return fmt.Errorf("chat failed: %w", err)
		}
		return nil
	},
}

func describeAction(a *types.Action) string {
	var target string
	switch a.Kind {
	case types.ActionFile:
		target = "file " + a.Path
	case types.ActionShell:
		target = "$ " + commandStyle.Render(a.Command)
	default:
		target = string(a.Kind)
	}
	status := dimStyle.Render(string(a.Status))
	switch a.Status {
	case types.ActionComplete:
		status = okStyle.Render(string(a.Status))
		if a.ExitCode != nil {
			status += " " + exitLabel(*a.ExitCode)
		}
	case types.ActionFailed:
		status = errStyle.Render(string(a.Status))
		if a.Error != "" {
			status += ": " + a.Error
		}
	}
	return fmt.Sprintf("[%s] %s", status, target)
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().String("session", "", "Session that runs shell actions (default: the active session)")
	chatCmd.Flags().BoolP("quiet", "q", false, "Only print actions, not the reply text")
}
