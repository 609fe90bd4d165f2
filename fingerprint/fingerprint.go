// Package fingerprint computes the content hashes that drive staleness
// detection and conditional writes.
//
// A field's value hash digests its canonical JSON serialization. A
// dependency fingerprint digests the ordered list of the dependency
// fields' recorded value hashes. The producer decides "needs recompute"
// and the store gates writes with the same functions, so both sides of
// the pipeline agree bit for bit.
package fingerprint

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
)

// hashNamespace is the fixed UUIDv5 namespace for all content hashes.
// Changing it invalidates every recorded hash in a deployment.
var hashNamespace = uuid.MustParse("91461c99-f89d-49d2-af96-d8e2e14e9b58")

// nullSentinel is the value hash recorded for errored or undefined
// fields. Collapsing every error to one sentinel keeps recurring
// identical errors from churning dependents, while an error clearing
// still changes the fingerprint.
var nullSentinel = hashJSON([]byte("null"))

func hashJSON(canonical []byte) string {
	return uuid.NewSHA1(hashNamespace, canonical).String()
}

// ValueHash hashes the canonical JSON serialization of a value. Errored
// and undefined values collapse to the null sentinel.
func ValueHash(value any, hasError bool) (string, error) {
	if hasError || value == nil {
		return nullSentinel, nil
	}
	canonical, err := json.Marshal(value)
	if err != nil {
		return "", errors.Wrap(err, "value is not serializable")
	}
	return hashJSON(canonical), nil
}

// NullSentinel returns the value hash of an errored or undefined field.
func NullSentinel() string {
	return nullSentinel
}

// SortFields returns a lexicographically sorted copy of the dependency
// field names. Sorting is mandatory: the fingerprint must not depend on
// declaration order.
func SortFields(fields []string) []string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)
	return sorted
}

// Compute computes the dependency fingerprint of an item over the given
// dependency fields: the digest of the canonical JSON list of each
// field's recorded value hash, in sorted field-name order. A dependency
// with no metadata entry contributes the null sentinel.
func Compute(dependencyFields []string, item *entity.Item) (string, error) {
	hashes := make([]string, 0, len(dependencyFields))
	for _, name := range SortFields(dependencyFields) {
		meta, ok := item.Meta(name)
		if !ok || meta.ValueHash == "" {
			hashes = append(hashes, nullSentinel)
			continue
		}
		hashes = append(hashes, meta.ValueHash)
	}
	canonical, err := json.Marshal(hashes)
	if err != nil {
		return "", errors.Wrap(err, "cannot serialize value hash list")
	}
	return hashJSON(canonical), nil
}
