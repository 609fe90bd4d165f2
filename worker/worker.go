package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/mq"
	"github.com/fieldflow/fieldflow/spec"
	"github.com/fieldflow/fieldflow/task"
)

// Worker consumes one task type's queues, executes each task through
// the supervisor, and publishes the result to the reply exchange named
// in the task's headers. The task is acked only after its result is
// confirmed, so a lost result is recovered by broker redelivery.
type Worker struct {
	spec       *spec.TaskSpec
	cfg        *config.Config
	supervisor *Supervisor
	workerID   string
	log        *zap.SugaredLogger

	// Dialer overrides broker dialing in tests.
	Dialer mq.Dialer
}

// New creates a worker for one task type.
func New(s *spec.TaskSpec, cfg *config.Config, supervisor *Supervisor) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		spec:       s,
		cfg:        cfg,
		supervisor: supervisor,
		workerID:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		log:        logger.Named("worker." + s.TaskName),
	}
}

// Run consumes every queue of the task type until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	queues := []string{mq.TaskQueueName(w.spec.ExchangeName, "")}
	if len(w.spec.RoutingKeys) > 0 {
		queues = queues[:0]
		for _, key := range w.spec.RoutingKeys {
			queues = append(queues, mq.TaskQueueName(w.spec.ExchangeName, key))
		}
	}

	var wg sync.WaitGroup
	for _, queue := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			w.consumeQueue(ctx, queue)
		}(queue)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) consumeQueue(ctx context.Context, queue string) {
	// The publisher shares the consumer's channel; it is replaced on
	// every reconnect by Setup before deliveries resume.
	var publisher *mq.ResultPublisher

	consumer := mq.NewConsumer(mq.ConsumerConfig{
		URL:              w.cfg.Broker.URL,
		Queue:            queue,
		ReconnectBackoff: w.cfg.Broker.ReconnectBackoff,
		Dialer:           w.Dialer,
		Setup: func(ch mq.Channel) error {
			if err := mq.TaskConsumerSetup(w.spec.ExchangeName, w.spec.RoutingKeys)(ch); err != nil {
				return err
			}
			if err := ch.Confirm(false); err != nil {
				return errors.Wrapf(errors.ErrConnectivity, "enable confirms on %s: %v", queue, err)
			}
			publisher = mq.NewResultPublisher(ch)
			return nil
		},
	})

	_ = consumer.Run(ctx, func(ctx context.Context, d amqp.Delivery) {
		w.handle(ctx, queue, publisher, d)
	})
}

func (w *Worker) handle(ctx context.Context, queue string, publisher *mq.ResultPublisher, d amqp.Delivery) {
	var payload task.Payload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		// Structurally invalid tasks never become valid on retry.
		w.log.Errorw("Discarding malformed task", "queue", queue, "error", err)
		_ = d.Ack(false)
		return
	}
	meta := payload.TaskMetadata

	result := w.execute(ctx, queue, payload.TaskData, meta)

	body, err := json.Marshal(result)
	if err != nil {
		w.log.Errorw("Result not serializable, discarding task",
			"item_id", meta.ItemID, "field", meta.ResultFieldName, "error", err)
		_ = d.Ack(false)
		return
	}

	exchange, routingKey := w.replyRoute(d.Headers, result.ResultType)
	if err := publisher.Publish(ctx, exchange, routingKey, w.spec.Source(), body); err != nil {
		// Unacked: the broker redelivers the task and the result is
		// produced again.
		w.log.Warnw("Result publish failed, task will be redelivered",
			"item_id", meta.ItemID, "field", meta.ResultFieldName, "error", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (w *Worker) execute(ctx context.Context, queue string, taskData any, meta task.Metadata) *task.Result {
	resultData, millis, err := w.supervisor.Execute(ctx, queue, w.spec.TaskName, taskData, meta)
	if err != nil {
		w.log.Warnw("Task failed",
			"item_id", meta.ItemID, "field", meta.ResultFieldName,
			"max_task_time_exceeded", errors.Is(err, errors.ErrMaxTaskTime),
			"error", err)
		return &task.Result{
			ResultType:   task.ResultTypeError,
			ResultData:   map[string]any{"message": err.Error()},
			TaskMetadata: meta,
			WorkerID:     w.workerID,
		}
	}

	w.log.Infow("Task completed",
		"item_id", meta.ItemID, "field", meta.ResultFieldName, "processing_ms", millis)
	return &task.Result{
		ResultType:           task.ResultTypeFinal,
		ResultData:           resultData,
		TaskMetadata:         meta,
		ProcessingTimeMillis: millis,
		WorkerID:             w.workerID,
	}
}

// replyRoute resolves where the result goes from the task's headers,
// falling back to the default result topology.
func (w *Worker) replyRoute(headers amqp.Table, resultType string) (exchange, routingKey string) {
	exchange = mq.DefaultResultExchange
	if v, ok := headers["replyToExchange"].(string); ok && v != "" {
		exchange = v
	}
	routingKey = mq.ResultRoutingKey(exchange, w.spec.ExchangeName, resultType)
	if keys, ok := headers["replyToRoutingKeys"].(amqp.Table); ok {
		if v, ok := keys[resultType].(string); ok && v != "" {
			routingKey = v
		}
	}
	return exchange, routingKey
}
