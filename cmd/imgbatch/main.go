package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/imgbatch/cmd/imgbatch/commands"
	"github.com/teranos/imgbatch/logger"
)

var rootCmd = &cobra.Command{
	Use:   "imgbatch",
	Short: "imgbatch - batch image processing with one report per batch",
	Long: `imgbatch ingests CSV manifests of products and their image URLs, processes
every image on a persisted task queue and, once every item of a batch is
resolved, writes one CSV report and delivers it to the batch's webhook.

Available commands:
  serve   - Start the HTTP API (and workers unless --no-workers)
  worker  - Run queue workers without the HTTP API
  ingest  - Ingest a CSV manifest from disk
  status  - Show the status of a batch
  notify  - Retry a failed batch notification
  am      - Manage imgbatch configuration
  db      - Manage the imgbatch database

Examples:
  imgbatch serve                                   # API on :5000 with 5 workers
  imgbatch ingest products.csv --webhook https://hooks.example/done
  imgbatch status 5f0c...                          # Per-item progress table
  imgbatch am show                                 # Effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
			verbosity = -1
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
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
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v for debug)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Only log warnings and errors")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.IngestCmd)
	rootCmd.AddCommand(commands.WatchCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.NotifyCmd)
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
