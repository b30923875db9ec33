package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Aliases: []string{"snap"},
	Short:   "Save and restore workspace snapshots",
}

var snapshotSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Archive the workspace to object storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(10 * time.Minute)
		if err != nil {
			return err
		}
		defer cancel()

		res, err := c.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
		fmt.Println(success("Snapshot saved: " + res.Key))
		fmt.Printf("  Files: %d\n", res.Files)
		fmt.Printf("  Size:  %s\n", humanize.Bytes(uint64(res.SizeBytes)))
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		snaps, err := c.ListSnapshots(ctx)
		if err != nil {
			return fmt.Errorf("failed to list snapshots: %w", err)
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSIZE\tSAVED")
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.Key, humanize.Bytes(uint64(s.SizeBytes)), ago(s.LastModified))
		}
		return w.Flush()
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <key>",
	Short: "Restore a snapshot over the workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(10 * time.Minute)
		if err != nil {
			return err
		}
		defer cancel()

		res, err := c.RestoreSnapshot(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
		fmt.Println(success(fmt.Sprintf("Restored %d files from %s", res.Files, res.Key)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotSaveCmd, snapshotListCmd, snapshotRestoreCmd)
}
