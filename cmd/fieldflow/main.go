package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldflow/fieldflow/cmd/fieldflow/commands"
	"github.com/fieldflow/fieldflow/logger"
	_ "github.com/fieldflow/fieldflow/steps"
)

var rootCmd = &cobra.Command{
	Use:   "fieldflow",
	Short: "fieldflow - dependency-driven derived-field pipeline",
	Long: `fieldflow recomputes derived entity fields when their dependencies
change: a producer watches the entity store and emits tasks, workers
execute them in isolated subprocesses, and an applier writes results
back behind a fingerprint-gated conditional update.

Available commands:
  produce - Watch the entity store and emit recomputation tasks
  work    - Consume a task type's queues and execute tasks
  apply   - Consume results and write them back to the store
  serve   - Serve the embedded store over HTTP for other processes

Examples:
  fieldflow produce --task translation
  fieldflow work --task translation
  fieldflow apply --task translation
  fieldflow serve --listen :8080`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ProduceCmd)
	rootCmd.AddCommand(commands.WorkCmd)
	rootCmd.AddCommand(commands.ApplyCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.UnitCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
