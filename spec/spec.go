// Package spec declares the static task configuration: which derived
// fields exist, what they depend on, when they are ready to compute,
// and how their workers are invoked. Specs are loaded once at process
// start, validated, and immutable thereafter.
package spec

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/schema"
)

// Endpoint types an execution unit can host.
const (
	RemoteRestfulEndpoint    = "remoteRestfulEndpoint"
	LocalFnEndpoint          = "localFnEndpoint"
	LocalStreamingFnEndpoint = "localStreamingFnEndpoint"
)

// specHashNamespace scopes spec-shape hashes apart from content hashes.
var specHashNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// FieldDependencySpec declares what one derived field depends on and
// when it is ready to be computed.
type FieldDependencySpec struct {
	DependencyFields []string             `json:"dependencyFields"`
	Conditions       entity.ConditionNode `json:"dependencyFieldConditions"`
}

// Hash digests the serialized spec shape. The change watcher keys its
// storage indexes by this hash so a spec edit drops stale indexes and
// builds fresh ones.
func (f FieldDependencySpec) Hash() (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", errors.Wrap(err, "cannot serialize field spec")
	}
	return uuid.NewSHA1(specHashNamespace, raw).String(), nil
}

// EndpointSpec describes where an execution unit sends task data.
type EndpointSpec struct {
	// Type is one of the endpoint type constants.
	Type string

	// URL and Method configure a remoteRestfulEndpoint.
	URL    string
	Method string

	// Fn is the in-process implementation of a localFnEndpoint.
	Fn func(ctx context.Context, taskData any) (any, error)
}

// TaskTransformer derives the task payload from an item snapshot.
type TaskTransformer func(item *entity.Item) (any, error)

// ResultTransformer derives the stored value from a worker's result
// data after output-schema validation.
type ResultTransformer func(resultData any) (any, error)

// MetadataFn enriches task metadata with task-specific entries.
type MetadataFn func(item *entity.Item) (map[string]any, error)

// RoutingKeyFn picks the broker routing key for one item's task.
type RoutingKeyFn func(item *entity.Item) (string, error)

// Writer is the store capability handed to a DBUpdateFunc: document
// upserts for side-effecting writes plus the conditional patch.
type Writer interface {
	Insert(ctx context.Context, tableName string, item *entity.Item) error
	Patch(ctx context.Context, tableName, itemID string, patches entity.PatchSet) error
}

// DBUpdateFunc replaces the default single-field conditional write for
// fields whose results require side-effecting writes elsewhere first.
// Implementations must end with a hash-gated patch so the optimistic
// concurrency contract still holds.
type DBUpdateFunc func(ctx context.Context, w Writer, tableName string, meta TaskMetadataView, value any) error

// TaskMetadataView is the slice of task metadata a DBUpdateFunc needs.
type TaskMetadataView struct {
	ItemID               string
	ResultFieldName      string
	DependencyFieldsHash string
	DependencyFields     []string
	Source               string
	TaskSpecificMetadata map[string]any
}

// WorkerSpec configures how a task type's worker executes.
type WorkerSpec struct {
	Endpoint EndpointSpec

	// InputSchema and OutputSchema are raw JSON Schema documents,
	// compiled during Validate.
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage

	TaskTransformer   TaskTransformer
	ResultTransformer ResultTransformer
	MetadataFn        MetadataFn
	DBUpdate          DBUpdateFunc

	compiledInput  *schema.Schema
	compiledOutput *schema.Schema
}

// CompiledInputSchema returns the compiled input schema, nil if none
// was declared.
func (w *WorkerSpec) CompiledInputSchema() *schema.Schema { return w.compiledInput }

// CompiledOutputSchema returns the compiled output schema, nil if none
// was declared.
func (w *WorkerSpec) CompiledOutputSchema() *schema.Schema { return w.compiledOutput }

// TaskSpec is the full static configuration of one task type.
type TaskSpec struct {
	TaskName     string
	TaskVersion  string
	ExchangeName string
	TableName    string

	// FieldSpecs maps each derived field name to its dependency spec.
	FieldSpecs map[string]FieldDependencySpec

	Worker WorkerSpec

	// RoutingKeys lists the keys tasks may be routed under. Empty
	// means one default queue.
	RoutingKeys  []string
	RoutingKeyFn RoutingKeyFn
}

// Source is the producer identity recorded in field metadata and
// result headers: "<name>-<version>".
func (s *TaskSpec) Source() string {
	return s.TaskName + "-" + s.TaskVersion
}

// Validate checks the spec and compiles its schemas. A spec that fails
// here must keep the process from starting.
func (s *TaskSpec) Validate() error {
	if s.TaskName == "" || s.TaskVersion == "" {
		return errors.NewConfigurationError("task spec is missing name or version")
	}
	if s.ExchangeName == "" {
		return errors.NewConfigurationError("task %s declares no exchange", s.TaskName)
	}
	if s.TableName == "" {
		return errors.NewConfigurationError("task %s declares no table", s.TaskName)
	}
	if len(s.FieldSpecs) == 0 {
		return errors.NewConfigurationError("task %s declares no derived fields", s.TaskName)
	}
	for field, fs := range s.FieldSpecs {
		if len(fs.DependencyFields) == 0 {
			return errors.NewConfigurationError("task %s field %s declares no dependencies", s.TaskName, field)
		}
		if err := fs.Conditions.Validate(); err != nil {
			return errors.Wrapf(err, "task %s field %s", s.TaskName, field)
		}
	}

	switch s.Worker.Endpoint.Type {
	case RemoteRestfulEndpoint:
		if s.Worker.Endpoint.URL == "" {
			return errors.NewConfigurationError("task %s remote endpoint has no url", s.TaskName)
		}
	case LocalFnEndpoint:
		if s.Worker.Endpoint.Fn == nil {
			return errors.NewConfigurationError("task %s local endpoint has no function", s.TaskName)
		}
	case LocalStreamingFnEndpoint:
		// Declared but unsupported; execution fails fast instead.
	default:
		return errors.NewConfigurationError("task %s has unknown endpoint type %q", s.TaskName, s.Worker.Endpoint.Type)
	}

	if s.Worker.InputSchema != nil {
		compiled, err := schema.Compile(s.Worker.InputSchema)
		if err != nil {
			return errors.Wrapf(err, "task %s input schema", s.TaskName)
		}
		s.Worker.compiledInput = compiled
	}
	if s.Worker.OutputSchema != nil {
		compiled, err := schema.Compile(s.Worker.OutputSchema)
		if err != nil {
			return errors.Wrapf(err, "task %s output schema", s.TaskName)
		}
		s.Worker.compiledOutput = compiled
	}
	return nil
}

// TransformTask applies the task transformer, identity when unset.
func (s *TaskSpec) TransformTask(item *entity.Item) (any, error) {
	if s.Worker.TaskTransformer == nil {
		return item, nil
	}
	return s.Worker.TaskTransformer(item)
}

// TransformResult applies the result transformer, identity when unset.
func (s *TaskSpec) TransformResult(resultData any) (any, error) {
	if s.Worker.ResultTransformer == nil {
		return resultData, nil
	}
	return s.Worker.ResultTransformer(resultData)
}

// RoutingKey applies the routing-key function, "" when unset.
func (s *TaskSpec) RoutingKey(item *entity.Item) (string, error) {
	if s.RoutingKeyFn == nil {
		return "", nil
	}
	return s.RoutingKeyFn(item)
}

// SpecificMetadata applies the metadata function, nil when unset.
func (s *TaskSpec) SpecificMetadata(item *entity.Item) (map[string]any, error) {
	if s.Worker.MetadataFn == nil {
		return nil, nil
	}
	return s.Worker.MetadataFn(item)
}
