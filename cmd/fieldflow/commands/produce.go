package commands

import (
	"github.com/spf13/cobra"

	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/produce"
)

var produceTaskName string

// ProduceCmd runs the change-driven producer for one task type.
var ProduceCmd = &cobra.Command{
	Use:   "produce",
	Short: "Watch the entity store and emit recomputation tasks",
	Long: `Watches the task type's table for changes, evaluates each derived
field's conditions and dependency fingerprint, and queues a task for
every field found stale. Tasks survive broker outages in a local queue
and are delivered one at a time with publisher confirms.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, s, err := loadTask(produceTaskName)
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

		logger.Infow("Producer starting", "task", s.TaskName, "table", s.TableName)
		if err := produce.New(s, st, cfg).Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	ProduceCmd.Flags().StringVar(&produceTaskName, "task", "", "Task type to produce for (required)")
	_ = ProduceCmd.MarkFlagRequired("task")
}
