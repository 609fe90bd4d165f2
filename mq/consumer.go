package mq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
)

// Handler processes one delivery and owns its acknowledgement. With
// prefetch one, the broker withholds the next delivery until the
// handler acks, which is the pipeline's flow control.
type Handler func(ctx context.Context, d amqp.Delivery)

// ConsumerConfig configures one queue consumer.
type ConsumerConfig struct {
	URL   string
	Queue string

	// Setup re-asserts topology on every (re)connect, before
	// consuming starts.
	Setup func(ch Channel) error

	ReconnectBackoff time.Duration

	// Dialer defaults to Dial.
	Dialer Dialer
}

// Consumer consumes one queue with prefetch one, reconnecting with
// backoff on link loss.
type Consumer struct {
	cfg  ConsumerConfig
	dial Dialer
	log  *zap.SugaredLogger
}

// NewConsumer creates a consumer; Run starts it.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 3 * time.Second
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = Dial
	}
	return &Consumer{
		cfg:  cfg,
		dial: dial,
		log:  logger.Named("mq.consumer." + cfg.Queue),
	}
}

// Run consumes until ctx ends. Deliveries are handled one at a time.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.consumeOnce(ctx, handler); err != nil && ctx.Err() == nil {
			c.log.Warnw("Consumer link lost, backing off",
				"error", err, "backoff", c.cfg.ReconnectBackoff)
		}
		if !sleep(ctx, c.cfg.ReconnectBackoff) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, handler Handler) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return errors.Wrapf(errors.ErrConnectivity, "set prefetch on %s: %v", c.cfg.Queue, err)
	}
	if c.cfg.Setup != nil {
		if err := c.cfg.Setup(ch); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(ctx, c.cfg.Queue, "")
	if err != nil {
		return errors.Wrapf(errors.ErrConnectivity, "consume %s: %v", c.cfg.Queue, err)
	}
	c.log.Infow("Consuming", "queue", c.cfg.Queue)

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closeCh:
			return errors.Wrapf(errors.ErrConnectivity, "link closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.Wrap(errors.ErrConnectivity, "delivery stream closed")
			}
			handler(ctx, d)
		}
	}
}

// TaskConsumerSetup asserts the task-side topology before consuming a
// task queue.
func TaskConsumerSetup(exchangeName string, routingKeys []string) func(Channel) error {
	return func(ch Channel) error {
		return assertTaskTopology(ch, exchangeName, routingKeys)
	}
}

// ResultConsumerSetup asserts the shared result exchange and the one
// queue for a task type's results of one type, bound by the routing
// pattern <resultExchange>.<taskExchange>.<resultType>.
func ResultConsumerSetup(resultExchange, taskExchange, resultType string) func(Channel) error {
	return func(ch Channel) error {
		if err := ch.ExchangeDeclare(resultExchange, "topic", true, false, false, false, nil); err != nil {
			return errors.Wrapf(errors.ErrConnectivity, "declare exchange %s: %v", resultExchange, err)
		}
		queue := ResultRoutingKey(resultExchange, taskExchange, resultType)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return errors.Wrapf(errors.ErrConnectivity, "declare queue %s: %v", queue, err)
		}
		if err := ch.QueueBind(queue, queue, resultExchange, false, nil); err != nil {
			return errors.Wrapf(errors.ErrConnectivity, "bind queue %s: %v", queue, err)
		}
		return nil
	}
}

// ResultPublisher publishes worker results to the reply exchange named
// in the task's headers. Unlike the task path it needs no local queue:
// the result message is redelivered by the broker if the task is not
// acked, so a lost result is replayed by reprocessing the task.
type ResultPublisher struct {
	ch Channel
}

// NewResultPublisher wraps an open channel.
func NewResultPublisher(ch Channel) *ResultPublisher {
	return &ResultPublisher{ch: ch}
}

// Publish sends one result and waits for the broker's confirm.
func (p *ResultPublisher) Publish(ctx context.Context, exchange, routingKey, producerName string, body []byte) error {
	confirmation, err := p.ch.PublishWithConfirm(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			"resultProducerName": producerName,
		},
		Body: body,
	})
	if err != nil {
		return errors.Wrapf(errors.ErrConnectivity, "publish result to %s: %v", exchange, err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(errors.ErrConnectivity, "await result confirm: %v", err)
	}
	if !acked {
		return errors.Wrapf(errors.ErrConnectivity, "broker nacked result publish to %s", exchange)
	}
	return nil
}
