package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"s"},
	Short:   "Manage shell sessions",
	Long:    `Create, list, activate, resize and close the shell sessions of a workspace.`,
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		sessions, err := c.ListSessions(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			data, _ := json.MarshalIndent(sessions, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tSIZE\tATTACHED\tLAST USED")
		for _, s := range sessions {
			id := s.ID
			if s.Active {
				id = "* " + id
			}
			state := s.State
			if s.Running {
				state += " (running)"
			}
			fmt.Fprintf(w, "%s\t%s\t%dx%d\t%t\t%s\n", id, state, s.Cols, s.Rows, s.Attached, ago(s.LastUsedAt))
		}
		return w.Flush()
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		id, err := c.CreateSession(ctx)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		fmt.Println(success("Session created: " + id))
		return nil
	},
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		s, err := c.GetSession(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get session: %w", err)
		}
		fmt.Printf("ID:          %s\n", s.ID)
		fmt.Printf("Primary:     %t\n", s.Primary)
		fmt.Printf("Active:      %t\n", s.Active)
		fmt.Printf("State:       %s\n", s.State)
		fmt.Printf("Running:     %t\n", s.Running)
		fmt.Printf("Interactive: %t\n", s.Interactive)
		fmt.Printf("Attached:    %t\n", s.Attached)
		fmt.Printf("Size:        %dx%d\n", s.Cols, s.Rows)
		fmt.Printf("Created:     %s\n", ago(s.CreatedAt))
		fmt.Printf("Last used:   %s\n", ago(s.LastUsedAt))
		return nil
	},
}

var sessionsCloseCmd = &cobra.Command{
	Use:     "close <session-id>",
	Aliases: []string{"rm"},
	Short:   "Close a session and kill its shell",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		if err := c.CloseSession(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		fmt.Println(success("Session closed: " + args[0]))
		return nil
	},
}

var sessionsActivateCmd = &cobra.Command{
	Use:   "activate <session-id>",
	Short: "Make a session the target of chat commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		if err := c.ActivateSession(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to activate session: %w", err)
		}
		fmt.Println(success("Active session: " + args[0]))
		return nil
	},
}

var sessionsResizeCmd = &cobra.Command{
	Use:   "resize [session-id]",
	Short: "Resize one session, or every session when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cols, _ := cmd.Flags().GetInt("cols")
		rows, _ := cmd.Flags().GetInt("rows")
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		if err := c.Resize(ctx, id, cols, rows); err != nil {
			return fmt.Errorf("failed to resize: %w", err)
		}
		fmt.Println(success(fmt.Sprintf("Resized to %dx%d", cols, rows)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsCreateCmd, sessionsGetCmd,
		sessionsCloseCmd, sessionsActivateCmd, sessionsResizeCmd)

	sessionsListCmd.Flags().Bool("json", false, "Output as JSON")
	sessionsResizeCmd.Flags().Int("cols", 80, "Terminal columns")
	sessionsResizeCmd.Flags().Int("rows", 24, "Terminal rows")
}
