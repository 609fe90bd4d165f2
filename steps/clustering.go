package steps

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/spec"
)

// sourceMissingOrTranslated accepts an item where a source field either
// never arrived or has been translated: clustering works on English text
// only, so every supplied source must have its English counterpart.
func sourceMissingOrTranslated(sourceField, translatedField string) entity.ConditionNode {
	return entity.Any(
		entity.FieldNotPresent(sourceField),
		entity.All(
			entity.FieldHasStatus(sourceField, entity.StatusFinal),
			entity.FieldHasStatus(translatedField, entity.StatusFinal),
		),
	)
}

func englishBody(item *entity.Item) string {
	parts := make([]string, 0, 3)
	for _, field := range []string{"engTeaser", "engMainText", "engTranscript"} {
		if s, ok := item.Field(field).(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// storylineUpdate performs the clustering result's two writes in order:
// upsert the storyline document, then the hash-gated field write on the
// news item. The gate runs last so a rejected write leaves nothing but
// an orphaned storyline touch, which the next task repeats harmlessly.
func storylineUpdate(ctx context.Context, w spec.Writer, tableName string, meta spec.TaskMetadataView, value any) error {
	m, ok := value.(map[string]any)
	if !ok {
		return errors.Newf("clustering result is %T, not an object", value)
	}
	clusterID, ok := m["cluster_id"].(float64)
	if !ok {
		return errors.New("clustering result carries no cluster_id")
	}
	documentID, ok := m["document_id"].(string)
	if !ok {
		return errors.New("clustering result carries no document_id")
	}
	storylineID := strconv.FormatInt(int64(clusterID), 10)

	var mergedIDs []string
	if merged, ok := m["merged_cluster_ids"].([]any); ok {
		for _, id := range merged {
			if n, ok := id.(float64); ok {
				mergedIDs = append(mergedIDs, strconv.FormatInt(int64(n), 10))
			}
		}
	}

	storyline := &entity.Item{
		ID: storylineID,
		Fields: map[string]any{
			"label":  meta.TaskSpecificMetadata["engTitle"],
			"source": "clustering",
			"newsItem": map[string]any{
				"id":        documentID,
				"title":     meta.TaskSpecificMetadata["engTitle"],
				"body":      meta.TaskSpecificMetadata["engBody"],
				"timeAdded": meta.TaskSpecificMetadata["timeAdded"],
			},
			"mergedStorylineIds": mergedIDs,
		},
	}
	if err := w.Insert(ctx, "storylines", storyline); err != nil {
		return errors.Wrapf(err, "upsert storyline %s", storylineID)
	}

	patch := entity.SetPatch(meta.ResultFieldName, storylineID, meta.Source,
		meta.DependencyFields, meta.DependencyFieldsHash)
	return w.Patch(ctx, tableName, documentID, entity.PatchSet{Patches: []entity.Patch{patch}})
}

func init() {
	spec.Register(&spec.TaskSpec{
		TaskName:     "clustering",
		TaskVersion:  "1.1.0",
		ExchangeName: "FIELDFLOW.CLUSTERING",
		TableName:    "newsItems",

		RoutingKeys: []string{"en"},
		RoutingKeyFn: func(item *entity.Item) (string, error) {
			// Clustering runs on translated text only.
			return "en", nil
		},

		FieldSpecs: map[string]spec.FieldDependencySpec{
			"engStorylineId": {
				DependencyFields: []string{
					"engTitle",
					"sourceItemType",
					"feedURL",
					"sourceItemTeaser",
					"engTeaser",
					"sourceItemMainText",
					"engMainText",
					"sourceItemVideoURL",
					"engTranscript",
					"timeAdded",
				},
				Conditions: entity.All(
					entity.FieldHasStatus("engTitle", entity.StatusFinal),
					entity.FieldHasStatus("timeAdded", entity.StatusFinal),
					sourceMissingOrTranslated("sourceItemTeaser", "engTeaser"),
					sourceMissingOrTranslated("sourceItemMainText", "engMainText"),
					sourceMissingOrTranslated("sourceItemVideoURL", "engTranscript"),
				),
			},
		},

		Worker: spec.WorkerSpec{
			Endpoint: spec.EndpointSpec{
				Type:   spec.RemoteRestfulEndpoint,
				URL:    "http://clustering.internal:5000/clustering/document",
				Method: "PUT",
			},
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["id", "text"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string"},
					"text": {
						"type": "object",
						"required": ["body"],
						"properties": {
							"title": {"type": "string"},
							"body": {"type": "string"}
						}
					},
					"timestamp": {"type": "string"},
					"language": {"const": "en"},
					"group_id": {"const": "English"},
					"media_item_type": {"type": "string"},
					"source_feed_name": {"type": "string"}
				}
			}`),
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["cluster_id", "document_id"],
				"properties": {
					"cluster_id": {"type": "number"},
					"document_id": {"type": "string"},
					"merged_cluster_ids": {
						"type": "array",
						"items": {"type": "integer"}
					}
				}
			}`),
			TaskTransformer: func(item *entity.Item) (any, error) {
				title, _ := item.Field("engTitle").(string)
				mediaType, _ := item.Field("sourceItemType").(string)
				feedURL, _ := item.Field("feedURL").(string)
				timeAdded, _ := item.Field("timeAdded").(string)
				return map[string]any{
					"id": item.ID,
					"text": map[string]any{
						"title": title,
						"body":  englishBody(item),
					},
					"timestamp":        timeAdded,
					"language":         "en",
					"group_id":         "English",
					"media_item_type":  mediaType,
					"source_feed_name": feedURL,
				}, nil
			},
			MetadataFn: func(item *entity.Item) (map[string]any, error) {
				title, _ := item.Field("engTitle").(string)
				return map[string]any{
					"engTitle":  title,
					"engBody":   strings.TrimSpace(title + " " + englishBody(item)),
					"timeAdded": item.Field("timeAdded"),
				}, nil
			},
			DBUpdate: storylineUpdate,
		},
	})
}
