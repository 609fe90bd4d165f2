package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldflow/fieldflow/errors"
)

func snapshot() *Item {
	return &Item{
		ID: "article-1",
		Fields: map[string]any{
			"body":     "some text",
			"language": "en",
			// No metadata entry: a raw ingested field.
			"feedURL": "http://example.org/feed",
		},
		Metadata: map[string]FieldMetadata{
			"body":     {Status: StatusFinal},
			"language": {Status: StatusFinal},
			// Value cleared by the error write, metadata kept.
			"broken": {Status: StatusError, Error: map[string]any{"message": "upstream 503"}},
		},
	}
}

func TestAllEmptyIsTrueAnyEmptyIsFalse(t *testing.T) {
	item := snapshot()
	assert.True(t, All().Evaluate(item))
	assert.False(t, Any().Evaluate(item))
}

func TestFieldConditions(t *testing.T) {
	item := snapshot()

	assert.True(t, FieldHasStatus("body", StatusFinal).Evaluate(item))
	assert.False(t, FieldHasStatus("body", StatusStreaming).Evaluate(item))

	// A field that was never processed has no status to match.
	assert.False(t, FieldHasStatus("missing", StatusFinal).Evaluate(item))
	assert.False(t, FieldHasStatus("feedURL", StatusFinal).Evaluate(item))

	assert.True(t, FieldIn("language", "en", "de").Evaluate(item))
	assert.False(t, FieldIn("language", "fr").Evaluate(item))
	assert.False(t, FieldIn("missing", "en").Evaluate(item))
}

func TestStatusConditionMatchesErroredField(t *testing.T) {
	item := snapshot()

	// The error write cleared the value; only the status is compared,
	// so a spec watching for errors to reset still fires.
	assert.Nil(t, item.Field("broken"))
	assert.True(t, FieldHasStatus("broken", StatusError).Evaluate(item))
	assert.False(t, FieldHasStatus("broken", StatusFinal).Evaluate(item))
}

func TestFieldConditionsWithoutChecksAlwaysMatches(t *testing.T) {
	leaf := ConditionNode{Type: CondFieldConditions, Field: "anything"}
	assert.True(t, leaf.Evaluate(&Item{ID: "empty"}))
	assert.True(t, leaf.Evaluate(snapshot()))
}

func TestFieldNotPresentAndNotEqual(t *testing.T) {
	item := snapshot()

	assert.True(t, FieldNotPresent("missing").Evaluate(item))
	assert.False(t, FieldNotPresent("body").Evaluate(item))
	// Presence means a metadata entry, not a raw value: an ingested
	// field nothing has processed yet is "not present", an errored
	// field with a cleared value is present.
	assert.True(t, FieldNotPresent("feedURL").Evaluate(item))
	assert.False(t, FieldNotPresent("broken").Evaluate(item))

	assert.True(t, FieldNotEqual("language", "fr").Evaluate(item))
	assert.False(t, FieldNotEqual("language", "en").Evaluate(item))
	// Absent field always differs.
	assert.True(t, FieldNotEqual("missing", "anything").Evaluate(item))
}

func TestCombinators(t *testing.T) {
	item := snapshot()

	cond := All(
		FieldHasStatus("body", StatusFinal),
		Any(
			FieldIn("language", "fr"),
			FieldNotPresent("missing"),
		),
	)
	assert.True(t, cond.Evaluate(item))

	cond = All(FieldHasStatus("body", StatusFinal), FieldHasStatus("missing", StatusFinal))
	assert.False(t, cond.Evaluate(item))
}

func TestValidateRejectsUnknownType(t *testing.T) {
	var cond ConditionNode
	require.NoError(t, json.Unmarshal([]byte(`{"type": "sometimes", "value": {}}`), &cond))

	err := cond.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestValidateRejectsMissingField(t *testing.T) {
	err := All(ConditionNode{Type: CondFieldNotPresent}).Validate()
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestConditionJSONRoundTrip(t *testing.T) {
	cond := All(
		FieldHasStatus("body", StatusFinal),
		Any(
			FieldIn("language", "en", "de"),
			FieldNotEqual("kind", "advert"),
			FieldNotPresent("suppressed"),
		),
	)

	raw, err := json.Marshal(cond)
	require.NoError(t, err)

	var back ConditionNode
	require.NoError(t, json.Unmarshal(raw, &back))
	require.NoError(t, back.Validate())

	item := snapshot()
	assert.Equal(t, cond.Evaluate(item), back.Evaluate(item))

	require.Len(t, back.Children, 2)
	assert.Equal(t, CondAny, back.Children[1].Type)
	assert.Equal(t, "language", back.Children[1].Children[0].Field)
}

func TestJSONNumberEquality(t *testing.T) {
	item := &Item{
		ID:       "n-1",
		Fields:   map[string]any{"count": float64(2)},
		Metadata: map[string]FieldMetadata{"count": {Status: StatusFinal}},
	}
	assert.True(t, FieldIn("count", 2).Evaluate(item))
	assert.False(t, FieldNotEqual("count", 2).Evaluate(item))
}
