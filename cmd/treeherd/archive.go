package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/treeherd/internal/archive"
	"github.com/mtzanidakis/treeherd/internal/registry"
)

func newArchiveCommand() *cobra.Command {
	var output string
	var list bool

	cmd := &cobra.Command{
		Use:   "archive -f <output.tar.zst> [task-id]",
		Short: "Pack the workspace, or one task of it, into a .tar.zst",
		Long: `Pack the agent workspace into a zstd-compressed tarball. With a task id only
that task's directory is packed: registry, progress and finding logs, deploy
records and prompts.

With --list, print the entries of an existing archive instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return fmt.Errorf("missing -f flag")
			}
			if list {
				return listArchive(cmd, output)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			root, err := filepath.Abs(cfg.Workspace)
			if err != nil {
				return err
			}
			if cfg.Store.Driver == "sqlite" {
				slog.Warn("registry and logs live in the sqlite database, only workspace files are archived", "db", cfg.Store.Path)
			}

			var include []string
			if len(args) == 1 {
				if err := registry.ValidateID(args[0]); err != nil {
					return err
				}
				include = []string{args[0]}
			}

			size, err := archive.WriteFile(output, root, include)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Archive complete: %s, %s\n", output, archive.FormatSize(size))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "file", "f", "", "archive path")
	cmd.Flags().BoolVarP(&list, "list", "l", false, "list the entries of the archive at -f")
	return cmd
}

func listArchive(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	names, err := archive.Entries(f)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(cmd.OutOrStdout(), n)
	}
	return nil
}
