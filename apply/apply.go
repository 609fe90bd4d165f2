// Package apply consumes worker results and turns them into hash-gated
// entity writes. Every message is acked exactly once whatever the
// outcome: a result that cannot be applied is logged and discarded,
// never poison-looped.
package apply

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/fingerprint"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/mq"
	"github.com/fieldflow/fieldflow/spec"
	"github.com/fieldflow/fieldflow/store"
	"github.com/fieldflow/fieldflow/task"
)

// Applier applies one task type's results.
type Applier struct {
	spec           *spec.TaskSpec
	store          store.Store
	cfg            *config.Config
	resultExchange string
	log            *zap.SugaredLogger

	// Dialer overrides broker dialing in tests.
	Dialer mq.Dialer
}

// New creates an applier for one task type.
func New(s *spec.TaskSpec, st store.Store, cfg *config.Config) *Applier {
	return &Applier{
		spec:           s,
		store:          st,
		cfg:            cfg,
		resultExchange: mq.DefaultResultExchange,
		log:            logger.Named("apply." + s.TaskName),
	}
}

// Run consumes the task type's finalResult and processingError queues
// until ctx ends. partialResult is intentionally unbound.
func (a *Applier) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, resultType := range []string{task.ResultTypeFinal, task.ResultTypeError} {
		wg.Add(1)
		go func(resultType string) {
			defer wg.Done()
			consumer := mq.NewConsumer(mq.ConsumerConfig{
				URL:              a.cfg.Broker.URL,
				Queue:            mq.ResultRoutingKey(a.resultExchange, a.spec.ExchangeName, resultType),
				Setup:            mq.ResultConsumerSetup(a.resultExchange, a.spec.ExchangeName, resultType),
				ReconnectBackoff: a.cfg.Broker.ReconnectBackoff,
				Dialer:           a.Dialer,
			})
			_ = consumer.Run(ctx, a.Handle)
		}(resultType)
	}
	wg.Wait()
	return ctx.Err()
}

// Handle applies one raw result message and acks it exactly once.
func (a *Applier) Handle(ctx context.Context, d amqp.Delivery) {
	a.apply(ctx, d)
	_ = d.Ack(false)
}

func (a *Applier) apply(ctx context.Context, d amqp.Delivery) {
	producer, ok := d.Headers["resultProducerName"].(string)
	if !ok || producer == "" || len(d.Body) == 0 {
		a.log.Errorw("Discarding result with malformed envelope",
			"has_producer", ok, "body_bytes", len(d.Body))
		return
	}

	if err := task.ResultSchema.ValidateRaw(d.Body); err != nil {
		a.log.Errorw("Discarding result failing payload schema",
			"producer", producer, "error", err)
		return
	}
	result, err := task.DecodeResult(d.Body)
	if err != nil {
		a.log.Errorw("Discarding undecodable result", "producer", producer, "error", err)
		return
	}

	meta := result.TaskMetadata
	fieldSpec, ok := a.spec.FieldSpecs[meta.ResultFieldName]
	if !ok {
		a.log.Errorw("Discarding result for undeclared field",
			"producer", producer, "field", meta.ResultFieldName, "item_id", meta.ItemID)
		return
	}

	switch result.ResultType {
	case task.ResultTypeError:
		a.applyError(ctx, producer, result, fieldSpec)
	case task.ResultTypeFinal:
		a.applyFinal(ctx, producer, result, fieldSpec)
	case task.ResultTypePartial:
		// Reserved for streaming progress.
		a.log.Debugw("Ignoring partial result",
			"item_id", meta.ItemID, "field", meta.ResultFieldName)
	}
}

func (a *Applier) applyError(ctx context.Context, producer string, result *task.Result, fieldSpec spec.FieldDependencySpec) {
	meta := result.TaskMetadata
	patch := entity.ErrorPatch(meta.ResultFieldName, result.ResultData, producer,
		fingerprint.SortFields(fieldSpec.DependencyFields), meta.DependencyFieldsHash)

	err := a.store.Patch(ctx, a.tableName(meta), meta.ItemID, entity.PatchSet{Patches: []entity.Patch{patch}})
	a.logWriteOutcome(err, meta, "error state recorded")
}

func (a *Applier) applyFinal(ctx context.Context, producer string, result *task.Result, fieldSpec spec.FieldDependencySpec) {
	meta := result.TaskMetadata

	if output := a.spec.Worker.CompiledOutputSchema(); output != nil {
		if err := output.Validate(result.ResultData); err != nil {
			// Bad external data. The field stays unwritten and the
			// next change-driven re-evaluation retries naturally.
			a.log.Errorw("Result data failed output schema, field left unwritten",
				"producer", producer, "item_id", meta.ItemID,
				"field", meta.ResultFieldName, "error", errors.Wrap(errors.ErrEndpoint, err.Error()))
			return
		}
	}

	value, err := a.spec.TransformResult(result.ResultData)
	if err != nil {
		// A transformer fault is a bug in this deployment, not bad
		// data from outside.
		a.log.Errorw("Result transformer failed, field left unwritten",
			"item_id", meta.ItemID, "field", meta.ResultFieldName,
			"error", errors.Wrap(errors.ErrInfrastructure, err.Error()))
		return
	}

	deps := fingerprint.SortFields(fieldSpec.DependencyFields)
	if custom := a.spec.Worker.DBUpdate; custom != nil {
		err = custom(ctx, a.store, a.tableName(meta), spec.TaskMetadataView{
			ItemID:               meta.ItemID,
			ResultFieldName:      meta.ResultFieldName,
			DependencyFieldsHash: meta.DependencyFieldsHash,
			DependencyFields:     deps,
			Source:               producer,
			TaskSpecificMetadata: meta.TaskSpecificMetadata,
		}, value)
	} else {
		patch := entity.SetPatch(meta.ResultFieldName, value, producer, deps, meta.DependencyFieldsHash)
		err = a.store.Patch(ctx, a.tableName(meta), meta.ItemID, entity.PatchSet{Patches: []entity.Patch{patch}})
	}
	a.logWriteOutcome(err, meta, "result applied")
}

func (a *Applier) tableName(meta task.Metadata) string {
	if meta.TableName != "" {
		return meta.TableName
	}
	return a.spec.TableName
}

func (a *Applier) logWriteOutcome(err error, meta task.Metadata, applied string) {
	switch {
	case err == nil:
		a.log.Infow(applied, "item_id", meta.ItemID, "field", meta.ResultFieldName)
	case errors.IsUnchanged(err):
		// A newer change already invalidated this computation; a
		// fresh task is (or will be) on its way.
		a.log.Debugw("Stale result discarded",
			"item_id", meta.ItemID, "field", meta.ResultFieldName,
			"dependency_fields_hash", meta.DependencyFieldsHash)
	default:
		a.log.Errorw("Entity write failed",
			"item_id", meta.ItemID, "field", meta.ResultFieldName, "error", err)
	}
}
