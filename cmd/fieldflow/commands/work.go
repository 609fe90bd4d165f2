package commands

import (
	"github.com/spf13/cobra"

	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/worker"
)

var workTaskName string

// WorkCmd runs the worker for one task type.
var WorkCmd = &cobra.Command{
	Use:   "work",
	Short: "Consume a task type's queues and execute tasks",
	Long: `Consumes the task type's queues with prefetch 1, executes each task
in a disposable subprocess (the hidden "unit" command of this binary),
and publishes the result to the reply exchange named in the task's
headers. A task is acked only after its result is confirmed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, s, err := loadTask(workTaskName)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		supervisor := worker.NewSupervisor(cfg.Worker.MaxTaskTime, nil)
		defer supervisor.Shutdown()

		logger.Infow("Worker starting", "task", s.TaskName, "exchange", s.ExchangeName)
		if err := worker.New(s, cfg, supervisor).Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	WorkCmd.Flags().StringVar(&workTaskName, "task", "", "Task type to work on (required)")
	_ = WorkCmd.MarkFlagRequired("task")
}
