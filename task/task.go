// Package task defines the wire types exchanged over the broker: the
// task a producer emits and the result a worker publishes back.
package task

import (
	"encoding/json"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/spec"
)

// Result types.
const (
	ResultTypePartial = "partialResult"
	ResultTypeFinal   = "finalResult"
	ResultTypeError   = "processingError"
)

// Producer identifies the task type that emitted a task.
type Producer struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Metadata travels with a task and is copied verbatim into its result,
// carrying everything the applier needs to perform the hash-gated
// write.
type Metadata struct {
	TableName            string         `json:"tableName,omitempty"`
	ItemID               string         `json:"itemId"`
	ResultFieldName      string         `json:"resultFieldName"`
	DependencyFieldsHash string         `json:"dependencyFieldsHash"`
	TaskProducer         Producer       `json:"taskProducer"`
	TaskSpecificMetadata map[string]any `json:"taskSpecificMetadata,omitempty"`
}

// Payload is the broker message body of one task.
type Payload struct {
	TaskData     any      `json:"taskData"`
	TaskMetadata Metadata `json:"taskMetadata"`
}

// Task is one unit of recomputation work. Transient: owned by the
// delivery pipeline until the broker acknowledges it, never persisted.
type Task struct {
	RoutingKey           string
	ItemID               string
	DependencyFieldsHash string
	Payload              Payload
}

// ID is the task's stable identity for logging and de-duplication. The
// same stale condition always yields the same id.
func (t *Task) ID() string {
	return "task___" + t.ItemID + "___" + t.DependencyFieldsHash
}

// Result is a worker's answer to one task.
type Result struct {
	ResultType           string   `json:"resultType"`
	ResultData           any      `json:"resultData"`
	TaskMetadata         Metadata `json:"taskMetadata"`
	ProcessingTimeMillis int64    `json:"processingTimeMilisecs,omitempty"`
	PercentCompleted     float64  `json:"percentCompleted,omitempty"`
	WorkerID             string   `json:"workerId,omitempty"`
}

// Build constructs the task for one stale (item, field) pair. The
// dependency fingerprint is the one computed during watch evaluation,
// threaded through so producer and applier agree on what state the
// task was built against.
func Build(s *spec.TaskSpec, resultFieldName string, item *entity.Item, dependencyFieldsHash string) (*Task, error) {
	taskData, err := s.TransformTask(item)
	if err != nil {
		return nil, errors.Wrapf(err, "task transformer failed for item %s field %s", item.ID, resultFieldName)
	}
	routingKey, err := s.RoutingKey(item)
	if err != nil {
		return nil, errors.Wrapf(err, "routing key fn failed for item %s", item.ID)
	}
	specific, err := s.SpecificMetadata(item)
	if err != nil {
		return nil, errors.Wrapf(err, "metadata fn failed for item %s", item.ID)
	}

	return &Task{
		RoutingKey:           routingKey,
		ItemID:               item.ID,
		DependencyFieldsHash: dependencyFieldsHash,
		Payload: Payload{
			TaskData: taskData,
			TaskMetadata: Metadata{
				TableName:            s.TableName,
				ItemID:               item.ID,
				ResultFieldName:      resultFieldName,
				DependencyFieldsHash: dependencyFieldsHash,
				TaskProducer:         Producer{Name: s.TaskName, Version: s.TaskVersion},
				TaskSpecificMetadata: specific,
			},
		},
	}, nil
}

// DecodeResult parses a raw result body without validating it; callers
// validate against ResultSchema first.
func DecodeResult(raw []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrap(errors.ErrValidation, err.Error())
	}
	return &r, nil
}
