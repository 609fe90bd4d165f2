// Package steps holds the concrete task specs compiled into the binary.
// Each file declares one task type and registers it at init; a malformed
// spec panics before the process serves anything.
package steps

import (
	"encoding/json"
	"strings"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/spec"
)

// translationLanguages are the source languages the translation endpoint
// accepts; they double as the exchange's routing keys so each language
// gets its own queue.
var translationLanguages = []string{"de", "ar", "es", "ru", "lv"}

// translatedField wires one derived English field to its source field:
// the source must be final and the detected language must be one the
// endpoint supports.
func translatedField(sourceField string) spec.FieldDependencySpec {
	return spec.FieldDependencySpec{
		DependencyFields: []string{sourceField, "contentDetectedLangCode"},
		Conditions: entity.All(
			entity.FieldHasStatus(sourceField, entity.StatusFinal),
			entity.FieldHasStatus("contentDetectedLangCode", entity.StatusFinal),
			entity.FieldIn("contentDetectedLangCode", anySlice(translationLanguages)...),
		),
	}
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// translationTaskData picks the first translatable source text on the
// item. Tasks for different derived fields of the same item carry the
// same shape; the endpoint translates whatever text it is handed.
func translationTaskData(item *entity.Item) (any, error) {
	var text string
	for _, sourceField := range []string{"sourceItemTeaser", "sourceItemTitle",
		"sourceItemMainText", "contentTranscribedMainText"} {
		if s, ok := item.Field(sourceField).(string); ok && s != "" {
			text = s
			break
		}
	}
	if text == "" {
		return nil, errors.Newf("item %s has no translatable text", item.ID)
	}

	lang, _ := item.Field("contentDetectedLangCode").(string)
	return map[string]any{
		"id":         item.ID,
		"sourceLang": lang,
		"text":       text,
	}, nil
}

func init() {
	spec.Register(&spec.TaskSpec{
		TaskName:     "translation",
		TaskVersion:  "1.2.0",
		ExchangeName: "FIELDFLOW.TRANSLATION",
		TableName:    "newsItems",

		RoutingKeys: translationLanguages,
		RoutingKeyFn: func(item *entity.Item) (string, error) {
			lang, ok := item.Field("contentDetectedLangCode").(string)
			if !ok || lang == "" {
				return "", errors.Newf("item %s has no detected language", item.ID)
			}
			return lang, nil
		},

		FieldSpecs: map[string]spec.FieldDependencySpec{
			"engTeaser":     translatedField("sourceItemTeaser"),
			"engTitle":      translatedField("sourceItemTitle"),
			"engMainText":   translatedField("sourceItemMainText"),
			"engTranscript": translatedField("contentTranscribedMainText"),
		},

		Worker: spec.WorkerSpec{
			Endpoint: spec.EndpointSpec{
				Type:   spec.RemoteRestfulEndpoint,
				URL:    "http://translation.internal:5000/translate",
				Method: "POST",
			},
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["id", "sourceLang", "text"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string"},
					"sourceLang": {"type": "string"},
					"text": {"type": "string", "minLength": 1}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["translation"],
				"properties": {
					"translation": {"type": "string"}
				}
			}`),
			TaskTransformer: translationTaskData,
			ResultTransformer: func(resultData any) (any, error) {
				m, ok := resultData.(map[string]any)
				if !ok {
					return nil, errors.Newf("translation result is %T, not an object", resultData)
				}
				translation, ok := m["translation"].(string)
				if !ok {
					return nil, errors.New("translation result carries no translation text")
				}
				return strings.TrimSpace(translation), nil
			},
			MetadataFn: func(item *entity.Item) (map[string]any, error) {
				return map[string]any{
					"contentDetectedLangCode": item.Field("contentDetectedLangCode"),
				}, nil
			},
		},
	})
}
