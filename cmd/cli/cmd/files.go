package cmd

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/opensandbox/boltshell/pkg/types"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage workspace files",
	Long:  `Read, write, list, and delete files in the workspace.`,
}

var lsCmd = &cobra.Command{
	Use:   "ls [dir]",
	Short: "List a workspace directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		var entries []types.FileEntry
		switch {
		case recursive:
			entries, err = c.ListFiles(ctx)
		case len(args) == 1:
			entries, err = c.ListDir(ctx, args[0])
		default:
			entries, err = c.ListDir(ctx, "")
		}
		if err != nil {
			return fmt.Errorf("failed to list files: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, e := range entries {
			if e.Type == types.EntryDirectory {
				fmt.Fprintf(w, "%s\t%s\n", "-", headerStyle.Render(displayName(e.Path, recursive)+"/"))
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", humanize.Bytes(uint64(e.Size)), displayName(e.Path, recursive))
		}
		return w.Flush()
	},
}

func displayName(p string, full bool) string {
	if full {
		return p
	}
	return path.Base(p)
}

var catCmd = &cobra.Command{
	Use:   "cat <path>",
	Short: "Print a workspace file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		content, err := c.ReadFile(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to read file: %w", err)
		}
		fmt.Print(content)
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put <path> [content]",
	Short: "Write a workspace file",
	Long: `Write content to a workspace file, replacing it. Reads stdin when no
content is given or content is -.
Example: boltctl files put src/index.js "console.log(1)"
         cat local.txt | boltctl files put notes.txt`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(5 * time.Minute)
		if err != nil {
			return err
		}
		defer cancel()

		var body io.Reader = os.Stdin
		if len(args) == 2 && args[1] != "-" {
			body = strings.NewReader(args[1])
		}
		if err := c.WriteFile(ctx, args[0], body); err != nil {
			return fmt.Errorf("failed to write file: %w", err)
		}
		fmt.Println(success("File written: " + args[0]))
		return nil
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <path>",
	Short: "Create a workspace directory and its parents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		if err := c.MakeDir(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		fmt.Println(success("Directory created: " + args[0]))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Remove a workspace file or directory tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := newClient(30 * time.Second)
		if err != nil {
			return err
		}
		defer cancel()

		if err := c.RemoveFile(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to remove: %w", err)
		}
		fmt.Println(success("Removed: " + args[0]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filesCmd)
	filesCmd.AddCommand(lsCmd, catCmd, putCmd, mkdirCmd, rmCmd)

	lsCmd.Flags().BoolP("recursive", "r", false, "List the whole tree")
}
