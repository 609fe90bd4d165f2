package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/worker"
)

var unitTaskName string

// UnitCmd is the hidden child mode the worker supervisor spawns: it
// serves the line-delimited execute/alive/result protocol on
// stdin/stdout until its input closes or the parent kills it.
var UnitCmd = &cobra.Command{
	Use:    "unit",
	Hidden: true,
	Short:  "Execution unit child process (spawned by the worker)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return worker.RunUnit(cmd.Context(), unitTaskName, os.Stdin, os.Stdout, cfg.Endpoint)
	},
}

func init() {
	UnitCmd.Flags().StringVar(&unitTaskName, "task", "", "Task type to execute (required)")
	_ = UnitCmd.MarkFlagRequired("task")
}
