// Command treeherd runs and inspects trees of headless coding agents.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/treeherd/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "treeherd",
		Short: "Orchestrate trees of headless coding agents",
		Long: `treeherd deploys headless coding agents into background sessions, tracks
them per task as a parent/child tree and enforces limits on how many may run.

Configuration is read from $TREEHERD_CONFIG (default config/treeherd.yaml)
with TREEHERD_* environment overrides.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newServeCommand(),
		newMCPCommand(),
		newTaskCommand(),
		newAgentCommand(),
		newArchiveCommand(),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "treeherd %s\n", version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	return cfg, nil
}

// withApp loads the configuration, builds the engine and runs fn.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	if err := fn(a); err != nil {
		slog.Debug("command failed", "error", err)
		return err
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
