package produce

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/mq"
	"github.com/fieldflow/fieldflow/spec"
	"github.com/fieldflow/fieldflow/store"
	"github.com/fieldflow/fieldflow/task"
)

// Producer runs one task type's production side: a watcher per derived
// field feeding a single reliable publisher on the task's exchange.
type Producer struct {
	spec   *spec.TaskSpec
	store  store.Store
	cfg    *config.Config
	client *mq.ExchangeClient
	log    *zap.SugaredLogger
}

// New creates a producer for one task type.
func New(s *spec.TaskSpec, st store.Store, cfg *config.Config) *Producer {
	return &Producer{
		spec:  s,
		store: st,
		cfg:   cfg,
		client: mq.NewExchangeClient(mq.ExchangeClientConfig{
			URL:              cfg.Broker.URL,
			ExchangeName:     s.ExchangeName,
			RoutingKeys:      s.RoutingKeys,
			ReconnectBackoff: cfg.Broker.ReconnectBackoff,
			PublishTimeout:   cfg.Broker.PublishTimeout,
		}),
		log: logger.Named("produce." + s.TaskName),
	}
}

// Client exposes the publisher, for tests and drain inspection.
func (p *Producer) Client() *mq.ExchangeClient { return p.client }

// Run drives the publisher and all field watchers until ctx ends.
func (p *Producer) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.client.Run(ctx)
	}()

	for fieldName := range p.spec.FieldSpecs {
		watcher := NewWatcher(p.spec, fieldName, p.store, p.cfg.Broker.ReconnectBackoff, p.Emit)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = watcher.Run(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// Emit builds the task for one stale (item, field) pair and enqueues it.
// The fingerprint computed during watch evaluation is threaded through
// unchanged so the applier gates the result against the same state.
func (p *Producer) Emit(ctx context.Context, fieldName string, item *entity.Item, dependencyFieldsHash string) {
	t, err := task.Build(p.spec, fieldName, item, dependencyFieldsHash)
	if err != nil {
		p.log.Errorw("Task build failed", "item_id", item.ID, "field", fieldName, "error", err)
		return
	}
	if err := p.client.PushTask(t); err != nil {
		p.log.Errorw("Task enqueue failed", "task_id", t.ID(), "error", err)
		return
	}
	p.log.Infow("Task queued", "task_id", t.ID(), "field", fieldName)
}
