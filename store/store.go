// Package store is the entity-store capability the pipeline consumes:
// document reads, hash-gated conditional patches, a live change feed,
// and the watch-index registry. The pipeline never mutates entities any
// other way.
package store

import (
	"context"

	"github.com/fieldflow/fieldflow/entity"
)

// Change is one change-feed event. NewValue is nil when the item was
// deleted or no longer matches the watch filter; OldValue is nil for a
// newly created item or an include-initial scan row.
type Change struct {
	Table    string       `json:"table"`
	OldValue *entity.Item `json:"oldValue,omitempty"`
	NewValue *entity.Item `json:"newValue,omitempty"`
}

// WatchOptions configure one change-feed subscription.
type WatchOptions struct {
	Table string

	// IncludeInitial streams every current row as a synthetic change
	// before live events. Used after reconnects: missed events are
	// recovered by re-evaluating full current state, not replaying a
	// gap.
	IncludeInitial bool
}

// Store is the consumed entity-store capability.
//
// Patch applies a whole patch set atomically. For every patch carrying
// DependencyFields and DependencyFieldsHash the store recomputes the
// fingerprint over the currently recorded value hashes; on any mismatch
// the whole patch set is rejected with ErrUnchanged and nothing is
// written. This conditional write is the pipeline's only concurrency
// control.
type Store interface {
	Get(ctx context.Context, table, itemID string) (*entity.Item, error)
	Insert(ctx context.Context, table string, item *entity.Item) error
	Patch(ctx context.Context, table, itemID string, patches entity.PatchSet) error

	// Watch subscribes to the table's change feed. The channel closes
	// when ctx is cancelled or the storage link is lost; the caller
	// owns resubscription.
	Watch(ctx context.Context, opts WatchOptions) (<-chan Change, error)

	// EnsureWatchIndex registers the watch index for one watched
	// (task, field) pair, keyed by the spec shape hash. A stale index
	// recorded under an old spec hash is dropped and replaced; the
	// call returns once the new index is ready.
	EnsureWatchIndex(ctx context.Context, taskName, fieldName, specHash string) error

	Close() error
}

// WatchIndexName is the registry name of the index for one watched
// field under one spec shape.
func WatchIndexName(taskName, fieldName, specHash string) string {
	return "watch__" + taskName + "__" + fieldName + "__" + specHash
}
