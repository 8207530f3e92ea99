package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/publish/am"
	"github.com/teranos/publish/cmd/publish/commands"
	"github.com/teranos/publish/logger"
)

var rootCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish content trees between databases",
	Long: `publish - copy content items from a source database to a target database.

A publish walks the content tree under a root item, deciding per item whether
it is created, updated, deleted or skipped in the target. Branches are spread
over a bounded number of threads, and a running publish can be stopped from
another terminal.

Available commands:
  run      - Publish a content tree
  jobs     - List, inspect and cancel publishing jobs
  content  - Import and inspect content
  am       - Manage configuration
  db       - Manage the database
  version  - Show version information

Examples:
  publish content import site.yaml          # Load items into the master database
  publish run --root home --mode smart      # Publish home and its subtree to web
  publish jobs ls --state running           # Show running publishing jobs
  publish jobs cancel --all                 # Stop every publishing job`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if !cmd.Flags().Changed("json-logs") {
			if cfg, err := am.Load(); err == nil {
				jsonLogs = cfg.Log.JSON
			}
		}
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ContentCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
