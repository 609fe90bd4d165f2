package commands

import (
	"github.com/spf13/cobra"

	"github.com/fieldflow/fieldflow/apply"
	"github.com/fieldflow/fieldflow/logger"
)

var applyTaskName string

// ApplyCmd runs the result applier for one task type.
var ApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Consume results and write them back to the store",
	Long: `Consumes the task type's result queues, validates each result, and
performs the fingerprint-gated conditional write. Results computed
against stale dependencies are discarded silently; every message is
acked exactly once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, s, err := loadTask(applyTaskName)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signalContext()
		defer cancel()

		logger.Infow("Applier starting", "task", s.TaskName)
		if err := apply.New(s, st, cfg).Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	ApplyCmd.Flags().StringVar(&applyTaskName, "task", "", "Task type to apply results for (required)")
	_ = ApplyCmd.MarkFlagRequired("task")
}
