package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldflow/fieldflow/config"
	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/mq"
	"github.com/fieldflow/fieldflow/spec"
	"github.com/fieldflow/fieldflow/task"
)

type recordedPublish struct {
	Exchange   string
	RoutingKey string
	Headers    amqp.Table
	Body       []byte
}

type ackedConfirmation struct{}

func (ackedConfirmation) WaitContext(ctx context.Context) (bool, error) { return true, nil }

type failedConfirmation struct{}

func (failedConfirmation) WaitContext(ctx context.Context) (bool, error) { return false, nil }

type fakePubChannel struct {
	published []recordedPublish
	failNext  bool
}

func (f *fakePubChannel) Confirm(bool) error { return nil }
func (f *fakePubChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}
func (f *fakePubChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}
func (f *fakePubChannel) QueueBind(string, string, string, bool, amqp.Table) error { return nil }
func (f *fakePubChannel) Qos(int, int, bool) error                                 { return nil }
func (f *fakePubChannel) Consume(context.Context, string, string) (<-chan amqp.Delivery, error) {
	return nil, nil
}
func (f *fakePubChannel) Close() error { return nil }

func (f *fakePubChannel) PublishWithConfirm(ctx context.Context, exchange, key string, msg amqp.Publishing) (mq.Confirmation, error) {
	f.published = append(f.published, recordedPublish{
		Exchange:   exchange,
		RoutingKey: key,
		Headers:    msg.Headers,
		Body:       msg.Body,
	})
	if f.failNext {
		f.failNext = false
		return failedConfirmation{}, nil
	}
	return ackedConfirmation{}, nil
}

type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

func workerSpec(t *testing.T) *spec.TaskSpec {
	t.Helper()
	s := &spec.TaskSpec{
		TaskName:     "translation",
		TaskVersion:  "1.0.0",
		ExchangeName: "TRANSLATION",
		TableName:    "articles",
		FieldSpecs: map[string]spec.FieldDependencySpec{
			"engTeaser": {
				DependencyFields: []string{"sourceItemTeaser"},
				Conditions:       entity.FieldHasStatus("sourceItemTeaser", entity.StatusFinal),
			},
		},
		Worker: spec.WorkerSpec{
			Endpoint: spec.EndpointSpec{Type: spec.RemoteRestfulEndpoint, URL: "http://translate.internal"},
		},
	}
	require.NoError(t, s.Validate())
	return s
}

func newTestWorker(t *testing.T, unit *fakeUnit) *Worker {
	t.Helper()
	sup := NewSupervisor(time.Minute, func(string) (executionUnit, error) { return unit, nil })
	cfg := &config.Config{}
	return New(workerSpec(t), cfg, sup)
}

func taskDelivery(t *testing.T, acker *fakeAcker) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(task.Payload{
		TaskData:     "hello",
		TaskMetadata: testMeta(),
	})
	require.NoError(t, err)
	return amqp.Delivery{
		Acknowledger: acker,
		Body:         body,
		Headers: amqp.Table{
			"replyToExchange": "FIELDFLOW-RESULTS",
			"replyToRoutingKeys": amqp.Table{
				task.ResultTypeFinal: "FIELDFLOW-RESULTS.TRANSLATION.finalResult",
				task.ResultTypeError: "FIELDFLOW-RESULTS.TRANSLATION.processingError",
			},
		},
	}
}

func TestHandlePublishesFinalResultAndAcks(t *testing.T) {
	unit := okUnit()
	w := newTestWorker(t, unit)
	ch := &fakePubChannel{}
	acker := &fakeAcker{}

	w.handle(context.Background(), "TRANSLATION", mq.NewResultPublisher(ch), taskDelivery(t, acker))

	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "FIELDFLOW-RESULTS", pub.Exchange)
	assert.Equal(t, "FIELDFLOW-RESULTS.TRANSLATION.finalResult", pub.RoutingKey)
	assert.Equal(t, "translation-1.0.0", pub.Headers["resultProducerName"])

	var result task.Result
	require.NoError(t, json.Unmarshal(pub.Body, &result))
	assert.Equal(t, task.ResultTypeFinal, result.ResultType)
	assert.Equal(t, "done", result.ResultData)
	assert.Equal(t, "n1", result.TaskMetadata.ItemID)
	assert.Equal(t, "hash-h", result.TaskMetadata.DependencyFieldsHash)

	assert.True(t, acker.acked)
	assert.False(t, acker.nacked)
}

func TestHandlePublishesProcessingErrorOnExecutionFault(t *testing.T) {
	unit := &fakeUnit{
		alive: true,
		respond: func(req unitRequest) (*unitMessage, error) {
			return &unitMessage{Type: msgError, Kind: errKindEndpoint, Message: "upstream 503"}, nil
		},
	}
	w := newTestWorker(t, unit)
	ch := &fakePubChannel{}
	acker := &fakeAcker{}

	w.handle(context.Background(), "TRANSLATION", mq.NewResultPublisher(ch), taskDelivery(t, acker))

	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.Equal(t, "FIELDFLOW-RESULTS.TRANSLATION.processingError", pub.RoutingKey)

	var result task.Result
	require.NoError(t, json.Unmarshal(pub.Body, &result))
	assert.Equal(t, task.ResultTypeError, result.ResultType)
	assert.Equal(t, "n1", result.TaskMetadata.ItemID)

	assert.True(t, acker.acked, "processing errors are terminal, the task is acked")
}

func TestHandleAcksMalformedTasks(t *testing.T) {
	w := newTestWorker(t, okUnit())
	ch := &fakePubChannel{}
	acker := &fakeAcker{}

	d := amqp.Delivery{Acknowledger: acker, Body: []byte("{torn")}
	w.handle(context.Background(), "TRANSLATION", mq.NewResultPublisher(ch), d)

	assert.Empty(t, ch.published, "nothing to publish for a malformed task")
	assert.True(t, acker.acked, "malformed tasks are discarded, not poison-looped")
}

func TestHandleNacksWhenResultPublishFails(t *testing.T) {
	w := newTestWorker(t, okUnit())
	ch := &fakePubChannel{failNext: true}
	acker := &fakeAcker{}

	w.handle(context.Background(), "TRANSLATION", mq.NewResultPublisher(ch), taskDelivery(t, acker))

	assert.False(t, acker.acked)
	assert.True(t, acker.nacked)
	assert.True(t, acker.requeue, "the task is redelivered so the result is produced again")
}

func TestReplyRouteFallsBackToDefaults(t *testing.T) {
	w := newTestWorker(t, okUnit())

	exchange, key := w.replyRoute(amqp.Table{}, task.ResultTypeFinal)
	assert.Equal(t, mq.DefaultResultExchange, exchange)
	assert.Equal(t, mq.ResultRoutingKey(mq.DefaultResultExchange, "TRANSLATION", task.ResultTypeFinal), key)
}
