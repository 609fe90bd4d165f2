package steps

import (
	"encoding/json"
	"strings"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/spec"
)

// missingOrFinal accepts a field that either never arrived or settled.
// Language detection must not run while a text field is still streaming
// in, but must not wait forever for a field the feed never supplies.
func missingOrFinal(field string) entity.ConditionNode {
	return entity.Any(
		entity.FieldNotPresent(field),
		entity.FieldHasStatus(field, entity.StatusFinal),
	)
}

func anyFinal(fields ...string) entity.ConditionNode {
	children := make([]entity.ConditionNode, len(fields))
	for i, field := range fields {
		children[i] = entity.FieldHasStatus(field, entity.StatusFinal)
	}
	return entity.Any(children...)
}

func init() {
	spec.Register(&spec.TaskSpec{
		TaskName:     "langdetect",
		TaskVersion:  "1.0.1",
		ExchangeName: "FIELDFLOW.LANGDETECT",
		TableName:    "newsItems",

		FieldSpecs: map[string]spec.FieldDependencySpec{
			"contentDetectedLangCode": {
				DependencyFields: []string{
					"sourceItemTeaser",
					"sourceItemMainText",
					"sourceItemLangCodeGuess",
				},
				Conditions: entity.All(
					entity.FieldHasStatus("sourceItemLangCodeGuess", entity.StatusFinal),
					anyFinal("sourceItemTeaser", "sourceItemMainText"),
					missingOrFinal("sourceItemTeaser"),
					missingOrFinal("sourceItemMainText"),
				),
			},
		},

		Worker: spec.WorkerSpec{
			Endpoint: spec.EndpointSpec{
				Type:   spec.RemoteRestfulEndpoint,
				URL:    "http://langdetect.internal:5000/detect",
				Method: "POST",
			},
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["feedLang", "text"],
				"additionalProperties": false,
				"properties": {
					"feedLang": {"type": "string"},
					"text": {"type": "string", "minLength": 1},
					"id": {"type": "string"}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["langCode"],
				"properties": {
					"langCode": {"type": "string", "minLength": 2}
				}
			}`),
			TaskTransformer: func(item *entity.Item) (any, error) {
				teaser, _ := item.Field("sourceItemTeaser").(string)
				mainText, _ := item.Field("sourceItemMainText").(string)
				text := strings.TrimSpace(teaser + " " + mainText)
				if text == "" {
					return nil, errors.Newf("item %s has no text to detect a language from", item.ID)
				}
				guess, _ := item.Field("sourceItemLangCodeGuess").(string)
				return map[string]any{
					"feedLang": guess,
					"text":     text,
					"id":       item.ID,
				}, nil
			},
			ResultTransformer: func(resultData any) (any, error) {
				m, ok := resultData.(map[string]any)
				if !ok {
					return nil, errors.Newf("language result is %T, not an object", resultData)
				}
				return m["langCode"], nil
			},
		},
	})
}
