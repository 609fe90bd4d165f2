// Package mq is the broker layer: a reliable single-flight publisher
// and a prefetch-one consumer over AMQP topic exchanges.
package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fieldflow/fieldflow/errors"
)

// Connection and Channel are the narrow slices of the AMQP client the
// package uses, so tests can stand in a scripted broker.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Channel interface {
	Confirm(noWait bool) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(ctx context.Context, queue, consumer string) (<-chan amqp.Delivery, error)
	Close() error
}

// Confirmation resolves when the broker acks or nacks a publish.
type Confirmation interface {
	WaitContext(ctx context.Context) (acked bool, err error)
}

// Dialer opens a broker connection. The default dials AMQP; tests
// substitute fakes.
type Dialer func(url string) (Connection, error)

// Dial is the production dialer.
func Dial(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnectivity, "dial broker %s: %v", url, err)
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnectivity, "open channel: %v", err)
	}
	return &amqpChannel{ch: ch}, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error { return c.conn.Close() }

type amqpChannel struct {
	ch *amqp.Channel
}

func (c *amqpChannel) Confirm(noWait bool) error { return c.ch.Confirm(noWait) }

func (c *amqpChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return c.ch.ExchangeDeclare(name, kind, durable, autoDelete, internal, noWait, args)
}

func (c *amqpChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.ch.QueueDeclare(name, durable, autoDelete, exclusive, noWait, args)
}

func (c *amqpChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return c.ch.QueueBind(name, key, exchange, noWait, args)
}

func (c *amqpChannel) PublishWithConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	return c.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
}

func (c *amqpChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.ch.Qos(prefetchCount, prefetchSize, global)
}

func (c *amqpChannel) Consume(ctx context.Context, queue, consumer string) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, queue, consumer, false, false, false, false, nil)
}

func (c *amqpChannel) Close() error { return c.ch.Close() }
