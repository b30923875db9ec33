package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/boltshell/pkg/types"
)

var execCmd = &cobra.Command{
	Use:   "exec <session-id> <command> [args...]",
	Short: "Run a command in a session's shell",
	Long: `Run a command line in a session's shell and print its output. The shell
is started headless if nobody has attached to it yet.
Example: boltctl exec bolt npm install`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		c, ctx, cancel, err := newClient(timeout + 30*time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		result, err := c.Exec(ctx, args[0], strings.Join(args[1:], " "), timeout)
		if err != nil {
			return fmt.Errorf("failed to execute command: %w", err)
		}

		if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Print(result.Output)
		if result.Output != "" && !strings.HasSuffix(result.Output, "\n") {
			fmt.Println()
		}
		if result.TimedOut {
			return fmt.Errorf("command timed out after %s", timeout)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Show recently executed commands",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		id := "bolt"
		if len(args) == 1 {
			id = args[0]
		}
		var records []types.CommandRecord
		if workspace, _ := cmd.Flags().GetBool("workspace"); workspace {
			records, err = c.WorkspaceHistory(ctx, id, limit)
		} else {
			records, err = c.History(ctx, id, limit)
		}
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		if len(records) == 0 {
			fmt.Println(dimStyle.Render("No commands yet"))
			return nil
		}

		fmt.Println(headerStyle.Render("History of " + id))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, r := range records {
			when := ago(r.CreatedAt)
			if r.NodeID != "" {
				when += " @" + r.NodeID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				when,
				exitLabel(r.ExitCode),
				(time.Duration(r.DurationMs) * time.Millisecond).String(),
				commandStyle.Render(r.Command))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(historyCmd)

	execCmd.Flags().Bool("json", false, "Output as JSON")
	execCmd.Flags().Duration("timeout", 0, "Interrupt the command after this long (0 waits for the prompt)")
	// Stop parsing flags after the first non-flag arg so that
	// arguments like --version are passed to the shell command,
	// not interpreted by Cobra.
	execCmd.Flags().SetInterspersed(false)

	historyCmd.Flags().Int("limit", 50, "Maximum number of commands to show")
	historyCmd.Flags().Bool("workspace", false, "Include commands recorded by every node of the workspace")
}
