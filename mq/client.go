package mq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/task"
)

// DefaultResultExchange is the shared topic exchange every worker
// publishes results to.
const DefaultResultExchange = "FIELDFLOW-RESULTS"

// TaskQueueName is the queue a task exchange delivers into for one
// routing key, or the default queue when no keys are declared.
func TaskQueueName(exchangeName, routingKey string) string {
	if routingKey == "" {
		return exchangeName
	}
	return exchangeName + "." + routingKey
}

// ResultRoutingKey is both the binding pattern and queue name for one
// task type's results of one type.
func ResultRoutingKey(resultExchange, taskExchange, resultType string) string {
	return resultExchange + "." + taskExchange + "." + resultType
}

// Outgoing is one message owned by the client until the broker
// confirms it.
type Outgoing struct {
	RoutingKey string
	Body       []byte
	Headers    amqp.Table
}

// ExchangeClientConfig configures one reliable publisher.
type ExchangeClientConfig struct {
	URL          string
	ExchangeName string

	// RoutingKeys the exchange's tasks may be routed under; empty
	// means one default queue.
	RoutingKeys []string

	// ResultExchange is attached to outgoing task headers so workers
	// know where replies go. Defaults to DefaultResultExchange.
	ResultExchange string

	ReconnectBackoff time.Duration
	PublishTimeout   time.Duration

	// Dialer defaults to Dial.
	Dialer Dialer
}

// ExchangeClient publishes to one topic exchange with at most one
// message in flight. A failed or unconfirmed publish goes back to the
// front of the local queue and the connection is rebuilt; no message is
// ever dropped on transient connectivity loss.
type ExchangeClient struct {
	cfg  ExchangeClientConfig
	dial Dialer
	log  *zap.SugaredLogger

	mu       sync.Mutex
	pending  []*Outgoing
	inFlight bool
	wake     chan struct{}

	conn    Connection
	ch      Channel
	closeCh chan *amqp.Error
}

// NewExchangeClient creates a client; Run starts its delivery loop.
func NewExchangeClient(cfg ExchangeClientConfig) *ExchangeClient {
	if cfg.ResultExchange == "" {
		cfg.ResultExchange = DefaultResultExchange
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 3 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	dial := cfg.Dialer
	if dial == nil {
		dial = Dial
	}
	return &ExchangeClient{
		cfg:  cfg,
		dial: dial,
		log:  logger.Named("mq.exchange." + cfg.ExchangeName),
		wake: make(chan struct{}, 1),
	}
}

// Push enqueues a message for delivery.
func (c *ExchangeClient) Push(item *Outgoing) {
	c.mu.Lock()
	c.pending = append(c.pending, item)
	c.mu.Unlock()
	c.signal()
}

// PushTask serializes a task and enqueues it with reply routing headers
// attached.
func (c *ExchangeClient) PushTask(t *task.Task) error {
	body, err := json.Marshal(t.Payload)
	if err != nil {
		return errors.Wrapf(err, "serialize task %s", t.ID())
	}
	c.Push(&Outgoing{
		RoutingKey: t.RoutingKey,
		Body:       body,
		Headers: amqp.Table{
			"taskId":          t.ID(),
			"replyToExchange": c.cfg.ResultExchange,
			"replyToRoutingKeys": amqp.Table{
				task.ResultTypeFinal: ResultRoutingKey(c.cfg.ResultExchange, c.cfg.ExchangeName, task.ResultTypeFinal),
				task.ResultTypeError: ResultRoutingKey(c.cfg.ResultExchange, c.cfg.ExchangeName, task.ResultTypeError),
			},
		},
	})
	return nil
}

// PendingCount reports how many messages await delivery.
func (c *ExchangeClient) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *ExchangeClient) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives the delivery loop until ctx is cancelled. Publish errors
// are retried indefinitely through the requeue-and-reconnect cycle.
func (c *ExchangeClient) Run(ctx context.Context) error {
	defer c.dropConnection()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.ch == nil {
			if err := c.connect(ctx); err != nil {
				c.log.Warnw("Broker connection failed, backing off",
					"error", err, "backoff", c.cfg.ReconnectBackoff)
				if !sleep(ctx, c.cfg.ReconnectBackoff) {
					return ctx.Err()
				}
				continue
			}
		}

		item := c.next(ctx)
		if item == nil {
			continue
		}

		if err := c.send(ctx, item); err != nil {
			// Front of the queue: order is preserved and later
			// messages cannot starve this one.
			c.requeueFront(item)
			c.log.Warnw("Publish failed, requeued at front",
				"routing_key", item.RoutingKey, "error", err)
			c.dropConnection()
			if !sleep(ctx, c.cfg.ReconnectBackoff) {
				return ctx.Err()
			}
		}
	}
}

// next pops the front message, waiting for work. Returns nil when ctx
// ends or the connection dies while waiting.
func (c *ExchangeClient) next(ctx context.Context) *Outgoing {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			item := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return item
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		case amqpErr := <-c.closeCh:
			if amqpErr != nil {
				c.log.Warnw("Broker link lost while idle", "error", amqpErr)
			}
			c.dropConnection()
			return nil
		}
	}
}

func (c *ExchangeClient) send(ctx context.Context, item *Outgoing) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		// Single-flight is the protocol's correctness invariant. A
		// second concurrent send means the loop discipline is broken.
		panic("mq: publish while another publish is in flight")
	}
	c.inFlight = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	routingKey := item.RoutingKey
	if routingKey == "" {
		routingKey = c.cfg.ExchangeName
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	confirmation, err := c.ch.PublishWithConfirm(pubCtx, c.cfg.ExchangeName, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      item.Headers,
		Body:         item.Body,
	})
	if err != nil {
		return errors.Wrapf(errors.ErrConnectivity, "publish to %s: %v", c.cfg.ExchangeName, err)
	}

	acked, err := confirmation.WaitContext(pubCtx)
	if err != nil {
		return errors.Wrapf(errors.ErrConnectivity, "await confirm from %s: %v", c.cfg.ExchangeName, err)
	}
	if !acked {
		return errors.Wrapf(errors.ErrConnectivity, "broker nacked publish to %s", c.cfg.ExchangeName)
	}
	return nil
}

// connect dials and re-asserts topology: the topic exchange plus one
// queue per routing key, or a single default queue.
func (c *ExchangeClient) connect(ctx context.Context) error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return errors.Wrapf(errors.ErrConnectivity, "enable confirms: %v", err)
	}
	if err := assertTaskTopology(ch, c.cfg.ExchangeName, c.cfg.RoutingKeys); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	c.ch = ch
	c.closeCh = conn.NotifyClose(make(chan *amqp.Error, 1))
	c.log.Infow("Broker connection established", "exchange", c.cfg.ExchangeName)
	c.signal()
	return nil
}

func (c *ExchangeClient) requeueFront(item *Outgoing) {
	c.mu.Lock()
	c.pending = append([]*Outgoing{item}, c.pending...)
	c.mu.Unlock()
}

func (c *ExchangeClient) dropConnection() {
	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.closeCh = nil
}

// assertTaskTopology declares the task exchange and its queues.
func assertTaskTopology(ch Channel, exchangeName string, routingKeys []string) error {
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrapf(errors.ErrConnectivity, "declare exchange %s: %v", exchangeName, err)
	}

	bind := func(queue, key string) error {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return errors.Wrapf(errors.ErrConnectivity, "declare queue %s: %v", queue, err)
		}
		if err := ch.QueueBind(queue, key, exchangeName, false, nil); err != nil {
			return errors.Wrapf(errors.ErrConnectivity, "bind queue %s: %v", queue, err)
		}
		return nil
	}

	if len(routingKeys) == 0 {
		return bind(TaskQueueName(exchangeName, ""), "#")
	}
	for _, key := range routingKeys {
		if err := bind(TaskQueueName(exchangeName, key), key); err != nil {
			return err
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
