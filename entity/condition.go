package entity

import (
	"encoding/json"
	"reflect"

	"github.com/fieldflow/fieldflow/errors"
)

// Condition node types.
const (
	CondAll             = "all"
	CondAny             = "any"
	CondFieldConditions = "fieldConditions"
	CondFieldNotPresent = "fieldNotPresent"
	CondFieldNotEqual   = "fieldNotEqual"
)

// ConditionNode is one node of a task's readiness-condition tree. The
// tree is a tagged union: "all" and "any" combine child nodes, the leaf
// types inspect a single field of an item snapshot.
type ConditionNode struct {
	Type string

	// Children, for "all" and "any".
	Children []ConditionNode

	// Field is the inspected field, for the leaf types.
	Field string

	// Status and AcceptableValues narrow a "fieldConditions" leaf.
	// Either may be unset, in which case that check is skipped.
	Status           Status
	AcceptableValues []any

	// Value is the compared value, for "fieldNotEqual".
	Value any
}

// All matches when every child matches. All() with no children is
// vacuously true.
func All(children ...ConditionNode) ConditionNode {
	return ConditionNode{Type: CondAll, Children: children}
}

// Any matches when at least one child matches. Any() with no children
// is false.
func Any(children ...ConditionNode) ConditionNode {
	return ConditionNode{Type: CondAny, Children: children}
}

// FieldHasStatus matches when the field's recorded status equals the
// given status. A field with no metadata entry has no status and never
// matches.
func FieldHasStatus(field string, status Status) ConditionNode {
	return ConditionNode{Type: CondFieldConditions, Field: field, Status: status}
}

// FieldIn matches when the field's raw value equals one of the
// acceptable values. An absent value compares as null.
func FieldIn(field string, acceptable ...any) ConditionNode {
	return ConditionNode{Type: CondFieldConditions, Field: field, AcceptableValues: acceptable}
}

// FieldNotPresent matches when the field has no metadata entry, that
// is, it has never been processed.
func FieldNotPresent(field string) ConditionNode {
	return ConditionNode{Type: CondFieldNotPresent, Field: field}
}

// FieldNotEqual matches when the field is absent or its value differs
// from the given value.
func FieldNotEqual(field string, value any) ConditionNode {
	return ConditionNode{Type: CondFieldNotEqual, Field: field, Value: value}
}

// Validate walks the tree and rejects unknown node types and leaves
// missing their field name. Specs are validated at registration time so
// a malformed condition can never be silently skipped per item.
func (c ConditionNode) Validate() error {
	switch c.Type {
	case CondAll, CondAny:
		for _, child := range c.Children {
			if err := child.Validate(); err != nil {
				return err
			}
		}
		return nil
	case CondFieldConditions, CondFieldNotPresent, CondFieldNotEqual:
		if c.Field == "" {
			return errors.NewConfigurationError("condition node %q is missing its field name", c.Type)
		}
		return nil
	default:
		return errors.NewConfigurationError("unknown condition node type %q", c.Type)
	}
}

// Evaluate reports whether the condition holds on an item snapshot.
// Evaluation is pure: it never mutates the item and never errors, a
// tree that survived Validate evaluates on any snapshot.
func (c ConditionNode) Evaluate(item *Item) bool {
	switch c.Type {
	case CondAll:
		for _, child := range c.Children {
			if !child.Evaluate(item) {
				return false
			}
		}
		return true
	case CondAny:
		for _, child := range c.Children {
			if child.Evaluate(item) {
				return true
			}
		}
		return false
	case CondFieldConditions:
		// The conjunction of exactly the declared checks: status
		// against the metadata entry, membership against the raw
		// value. Absent entries compare as null.
		if c.Status != "" && item.FieldStatus(c.Field) != c.Status {
			return false
		}
		if c.AcceptableValues != nil {
			value := item.Field(c.Field)
			for _, acceptable := range c.AcceptableValues {
				if jsonEqual(value, acceptable) {
					return true
				}
			}
			return false
		}
		return true
	case CondFieldNotPresent:
		_, processed := item.Meta(c.Field)
		return !processed
	case CondFieldNotEqual:
		return !jsonEqual(item.Field(c.Field), c.Value)
	default:
		return false
	}
}

// conditionWire is the JSON document form of a condition node.
type conditionWire struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

type fieldConditionsWire struct {
	Field            string `json:"field"`
	Status           Status `json:"status,omitempty"`
	AcceptableValues []any  `json:"acceptableValues,omitempty"`
}

type fieldRefWire struct {
	Field string `json:"field"`
}

type fieldNotEqualWire struct {
	Field      string `json:"field"`
	FieldValue any    `json:"fieldValue"`
}

// MarshalJSON renders the node in its document form, where the shape of
// "value" depends on "type".
func (c ConditionNode) MarshalJSON() ([]byte, error) {
	var value any
	switch c.Type {
	case CondAll, CondAny:
		children := c.Children
		if children == nil {
			children = []ConditionNode{}
		}
		value = children
	case CondFieldConditions:
		value = fieldConditionsWire{Field: c.Field, Status: c.Status, AcceptableValues: c.AcceptableValues}
	case CondFieldNotPresent:
		value = fieldRefWire{Field: c.Field}
	case CondFieldNotEqual:
		value = fieldNotEqualWire{Field: c.Field, FieldValue: c.Value}
	default:
		return nil, errors.NewConfigurationError("unknown condition node type %q", c.Type)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(conditionWire{Type: c.Type, Value: raw})
}

// UnmarshalJSON parses the document form. Unknown types are kept so
// Validate can report them; decoding itself only fails on shape errors.
func (c *ConditionNode) UnmarshalJSON(data []byte) error {
	var wire conditionWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*c = ConditionNode{Type: wire.Type}

	switch wire.Type {
	case CondAll, CondAny:
		return json.Unmarshal(wire.Value, &c.Children)
	case CondFieldConditions:
		var leaf fieldConditionsWire
		if err := json.Unmarshal(wire.Value, &leaf); err != nil {
			return err
		}
		c.Field, c.Status, c.AcceptableValues = leaf.Field, leaf.Status, leaf.AcceptableValues
		return nil
	case CondFieldNotPresent:
		var leaf fieldRefWire
		if err := json.Unmarshal(wire.Value, &leaf); err != nil {
			return err
		}
		c.Field = leaf.Field
		return nil
	case CondFieldNotEqual:
		var leaf fieldNotEqualWire
		if err := json.Unmarshal(wire.Value, &leaf); err != nil {
			return err
		}
		c.Field, c.Value = leaf.Field, leaf.FieldValue
		return nil
	default:
		return nil
	}
}

// jsonEqual compares two values under JSON equality, so 2 and 2.0
// compare equal regardless of how they were decoded.
func jsonEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
