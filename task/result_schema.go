package task

import (
	"encoding/json"

	"github.com/fieldflow/fieldflow/schema"
)

// ResultSchema validates the generic shape of every result payload
// before it is dispatched on resultType. Task-specific output schemas
// are checked later, against resultData only.
var ResultSchema = schema.MustCompile(json.RawMessage(`{
	"type": "object",
	"required": ["resultType", "taskMetadata"],
	"properties": {
		"resultType": {
			"type": "string",
			"enum": ["partialResult", "finalResult", "processingError"]
		},
		"resultData": {},
		"taskMetadata": {
			"type": "object",
			"required": ["itemId", "resultFieldName", "dependencyFieldsHash", "taskProducer"],
			"properties": {
				"tableName": {"type": "string"},
				"itemId": {"type": "string"},
				"resultFieldName": {"type": "string"},
				"dependencyFieldsHash": {"type": "string"},
				"taskProducer": {
					"type": "object",
					"required": ["name", "version"],
					"properties": {
						"name": {"type": "string"},
						"version": {"type": "string"}
					}
				},
				"taskSpecificMetadata": {"type": "object"}
			}
		},
		"processingTimeMilisecs": {"type": "number"},
		"percentCompleted": {"type": "number"},
		"workerId": {"type": "string"}
	}
}`))
