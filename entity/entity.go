// Package entity models the documents flowing through the pipeline: an
// item with named fields and a parallel per-field processing-metadata
// map, plus the conditional-patch types the entity store consumes.
package entity

import (
	"encoding/json"
	"time"
)

// MetadataKey is the document key holding the per-field metadata map.
const MetadataKey = "processingMetadata"

// Status is the processing state of one field.
type Status string

const (
	StatusFinal     Status = "final"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// FieldMetadata records the processing state of one field. The field's
// top-level value and its metadata entry are always written atomically
// in the same patch.
type FieldMetadata struct {
	Status               Status    `json:"status"`
	Source               string    `json:"source,omitempty"`
	UpdateTime           time.Time `json:"updateTime"`
	Error                any       `json:"error,omitempty"`
	ValueHash            string    `json:"valueHash,omitempty"`
	DependencyFieldsHash string    `json:"dependencyFieldsHash,omitempty"`
	DependencyFields     []string  `json:"dependencyFields,omitempty"`
}

// Item is a snapshot of one entity document: a stable id, named fields,
// and the per-field metadata map.
type Item struct {
	ID       string
	Fields   map[string]any
	Metadata map[string]FieldMetadata
}

// Field returns the raw value of a field, nil when absent.
func (it *Item) Field(name string) any {
	if it.Fields == nil {
		return nil
	}
	return it.Fields[name]
}

// HasField reports whether the item carries a top-level value for name.
func (it *Item) HasField(name string) bool {
	if it.Fields == nil {
		return false
	}
	_, ok := it.Fields[name]
	return ok
}

// Meta returns the metadata entry for a field.
func (it *Item) Meta(name string) (FieldMetadata, bool) {
	if it.Metadata == nil {
		return FieldMetadata{}, false
	}
	m, ok := it.Metadata[name]
	return m, ok
}

// FieldStatus returns the recorded status of a field, "" when the field
// has no metadata entry.
func (it *Item) FieldStatus(name string) Status {
	m, ok := it.Meta(name)
	if !ok {
		return ""
	}
	return m.Status
}

// MarshalJSON flattens the item into its document form: id and fields
// at the top level, metadata under MetadataKey.
func (it *Item) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(it.Fields)+2)
	for k, v := range it.Fields {
		doc[k] = v
	}
	doc["id"] = it.ID
	if len(it.Metadata) > 0 {
		doc[MetadataKey] = it.Metadata
	}
	return json.Marshal(doc)
}

// UnmarshalJSON parses the document form back into an Item.
func (it *Item) UnmarshalJSON(data []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	it.Fields = make(map[string]any)
	it.Metadata = make(map[string]FieldMetadata)

	for key, raw := range doc {
		switch key {
		case "id":
			if err := json.Unmarshal(raw, &it.ID); err != nil {
				return err
			}
		case MetadataKey:
			if err := json.Unmarshal(raw, &it.Metadata); err != nil {
				return err
			}
		default:
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			it.Fields[key] = v
		}
	}
	return nil
}

// Patch is one conditional field update. When Status is "error" the
// field's stored value is cleared and ErrorFieldName names the field;
// otherwise Value carries a single entry mapping the field name to its
// new value. Patches carrying DependencyFields and DependencyFieldsHash
// are hash-gated: the store applies the whole patch set only if the
// recomputed fingerprint over DependencyFields still equals
// DependencyFieldsHash.
type Patch struct {
	UpdateType           string         `json:"updateType"`
	Status               Status         `json:"status"`
	Value                map[string]any `json:"value,omitempty"`
	Source               string         `json:"source"`
	Error                any            `json:"error,omitempty"`
	ErrorFieldName       string         `json:"errorFieldName,omitempty"`
	DependencyFieldsHash string         `json:"dependencyFieldsHash,omitempty"`
	DependencyFields     []string       `json:"dependencyFields,omitempty"`
}

// PatchSet is the wire body of one conditional update request.
type PatchSet struct {
	Patches []Patch `json:"patches"`
}

// FieldName returns the field a patch targets.
func (p Patch) FieldName() string {
	if p.Status == StatusError {
		return p.ErrorFieldName
	}
	for name := range p.Value {
		return name
	}
	return ""
}

// SetPatch builds a hash-gated set patch for one field.
func SetPatch(field string, value any, source string, dependencyFields []string, dependencyFieldsHash string) Patch {
	return Patch{
		UpdateType:           "set",
		Status:               StatusFinal,
		Value:                map[string]any{field: value},
		Source:               source,
		DependencyFields:     dependencyFields,
		DependencyFieldsHash: dependencyFieldsHash,
	}
}

// ErrorPatch builds a hash-gated error patch: the field value is
// cleared and the error recorded in metadata.
func ErrorPatch(field string, errValue any, source string, dependencyFields []string, dependencyFieldsHash string) Patch {
	return Patch{
		UpdateType:           "set",
		Status:               StatusError,
		Source:               source,
		Error:                errValue,
		ErrorFieldName:       field,
		DependencyFields:     dependencyFields,
		DependencyFieldsHash: dependencyFieldsHash,
	}
}
