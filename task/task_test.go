package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/spec"
)

func teaserSpec() *spec.TaskSpec {
	s := &spec.TaskSpec{
		TaskName:     "translation",
		TaskVersion:  "1.0.0",
		ExchangeName: "TRANSLATION",
		TableName:    "articles",
		FieldSpecs: map[string]spec.FieldDependencySpec{
			"engTeaser": {
				DependencyFields: []string{"sourceItemTeaser", "contentDetectedLangCode"},
				Conditions:       entity.FieldHasStatus("sourceItemTeaser", entity.StatusFinal),
			},
		},
		Worker: spec.WorkerSpec{
			Endpoint: spec.EndpointSpec{Type: spec.RemoteRestfulEndpoint, URL: "http://translate.internal", Method: "POST"},
			TaskTransformer: func(item *entity.Item) (any, error) {
				return item.Field("sourceItemTeaser"), nil
			},
		},
	}
	if err := s.Validate(); err != nil {
		panic(err)
	}
	return s
}

func TestBuildProducesStableIdentity(t *testing.T) {
	s := teaserSpec()
	item := &entity.Item{
		ID:     "n1",
		Fields: map[string]any{"sourceItemTeaser": "hello", "contentDetectedLangCode": "en"},
	}

	tk, err := Build(s, "engTeaser", item, "hash-h")
	require.NoError(t, err)

	assert.Equal(t, "task___n1___hash-h", tk.ID())
	assert.Equal(t, "hello", tk.Payload.TaskData)
	assert.Equal(t, "articles", tk.Payload.TaskMetadata.TableName)
	assert.Equal(t, "engTeaser", tk.Payload.TaskMetadata.ResultFieldName)
	assert.Equal(t, Producer{Name: "translation", Version: "1.0.0"}, tk.Payload.TaskMetadata.TaskProducer)
	assert.Equal(t, "", tk.RoutingKey)

	// The same stale condition always yields the same task id.
	again, err := Build(s, "engTeaser", item, "hash-h")
	require.NoError(t, err)
	assert.Equal(t, tk.ID(), again.ID())
}

func TestResultSchemaAcceptsWireResult(t *testing.T) {
	raw := json.RawMessage(`{
		"resultType": "finalResult",
		"resultData": "Hello",
		"taskMetadata": {
			"tableName": "articles",
			"itemId": "n1",
			"resultFieldName": "engTeaser",
			"dependencyFieldsHash": "hash-h",
			"taskProducer": {"name": "translation", "version": "1.0.0"}
		},
		"processingTimeMilisecs": 412,
		"workerId": "worker-7"
	}`)

	require.NoError(t, ResultSchema.ValidateRaw(raw))

	r, err := DecodeResult(raw)
	require.NoError(t, err)
	assert.Equal(t, ResultTypeFinal, r.ResultType)
	assert.Equal(t, "Hello", r.ResultData)
	assert.Equal(t, "n1", r.TaskMetadata.ItemID)
	assert.Equal(t, int64(412), r.ProcessingTimeMillis)
}

func TestResultSchemaRejections(t *testing.T) {
	cases := map[string]string{
		"unknown result type": `{"resultType": "halfResult", "taskMetadata": {"itemId": "n1", "resultFieldName": "f", "dependencyFieldsHash": "h", "taskProducer": {"name": "t", "version": "1"}}}`,
		"missing metadata":    `{"resultType": "finalResult"}`,
		"incomplete producer": `{"resultType": "finalResult", "taskMetadata": {"itemId": "n1", "resultFieldName": "f", "dependencyFieldsHash": "h", "taskProducer": {"name": "t"}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ResultSchema.ValidateRaw(json.RawMessage(raw)))
		})
	}
}

func TestDecodeResultRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeResult([]byte(`{broken`))
	assert.Error(t, err)
}
