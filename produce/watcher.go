// Package produce is the change-driven side of the pipeline: it watches
// entity mutations, decides per derived field whether recomputation is
// needed, and hands the resulting tasks to the reliable publisher.
package produce

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/fingerprint"
	"github.com/fieldflow/fieldflow/logger"
	"github.com/fieldflow/fieldflow/spec"
	"github.com/fieldflow/fieldflow/store"
)

// NeedsRecalc decides whether one derived field must be recomputed
// against the item's current state, returning the dependency fingerprint
// it was decided on so the producer and applier agree on what state the
// task was built against.
//
// A field is recomputed when it was never processed, or when it was
// calculated and its recorded fingerprint no longer matches. A manually
// set field (final, no recorded fingerprint) is never recomputed; an
// errored field is not "never processed", so error states do not loop
// without an explicit reset.
func NeedsRecalc(fieldSpec spec.FieldDependencySpec, fieldName string, item *entity.Item) (bool, string, error) {
	calculated, err := fingerprint.Compute(fieldSpec.DependencyFields, item)
	if err != nil {
		return false, "", errors.Wrapf(err, "fingerprint %s for item %s", fieldName, item.ID)
	}

	meta, hasMeta := item.Meta(fieldName)

	neverProcessed := !hasMeta && meta.Status != entity.StatusError
	manuallySet := meta.Status == entity.StatusFinal && meta.DependencyFieldsHash == ""
	hashesDontMatch := !manuallySet &&
		meta.Status == entity.StatusFinal &&
		meta.DependencyFieldsHash != "" &&
		calculated != meta.DependencyFieldsHash

	return neverProcessed || hashesDontMatch, calculated, nil
}

// emitFunc receives one stale (item, field) pair with the fingerprint it
// was detected at.
type emitFunc func(ctx context.Context, fieldName string, item *entity.Item, dependencyFieldsHash string)

// Watcher drives the staleness detection loop for one derived field.
// Lifecycle per connection attempt: ensure the watch index for the
// current spec shape, subscribe to the table's change feed with an
// initial full scan, evaluate every event. On storage link loss the
// subscription is rebuilt after a backoff; the fresh full scan recovers
// anything missed during the outage.
type Watcher struct {
	spec      *spec.TaskSpec
	fieldName string
	fieldSpec spec.FieldDependencySpec
	store     store.Store
	backoff   time.Duration
	emit      emitFunc
	log       *zap.SugaredLogger
}

// NewWatcher creates the watcher for one derived field of a task type.
func NewWatcher(s *spec.TaskSpec, fieldName string, st store.Store, backoff time.Duration, emit emitFunc) *Watcher {
	if backoff <= 0 {
		backoff = 3 * time.Second
	}
	return &Watcher{
		spec:      s,
		fieldName: fieldName,
		fieldSpec: s.FieldSpecs[fieldName],
		store:     st,
		backoff:   backoff,
		emit:      emit,
		log:       logger.Named("produce.watch." + s.TaskName + "." + fieldName),
	}
}

// Run watches until ctx ends, reconnecting on storage link loss.
func (w *Watcher) Run(ctx context.Context) error {
	specHash, err := w.fieldSpec.Hash()
	if err != nil {
		return errors.Wrapf(errors.ErrUnrecoverable, "hash field spec %s: %v", w.fieldName, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.watchOnce(ctx, specHash); err != nil && ctx.Err() == nil {
			w.log.Warnw("Watch lost, resubscribing with full rescan",
				"error", err, "backoff", w.backoff)
		}
		if !sleepCtx(ctx, w.backoff) {
			return ctx.Err()
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context, specHash string) error {
	// The index must be ready before events are consumed; a spec edit
	// drops the stale index and builds a fresh one here.
	if err := w.store.EnsureWatchIndex(ctx, w.spec.TaskName, w.fieldName, specHash); err != nil {
		return errors.Wrapf(err, "ensure watch index for %s", w.fieldName)
	}

	feed, err := w.store.Watch(ctx, store.WatchOptions{
		Table:          w.spec.TableName,
		IncludeInitial: true,
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s changes", w.spec.TableName)
	}
	w.log.Infow("Watching", "table", w.spec.TableName, "spec_hash", specHash)

	for change := range feed {
		w.handleChange(ctx, change)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrap(errors.ErrConnectivity, "change feed closed")
}

func (w *Watcher) handleChange(ctx context.Context, change store.Change) {
	// No new value: the item was deleted or left the watch filter.
	item := change.NewValue
	if item == nil {
		return
	}

	if !w.fieldSpec.Conditions.Evaluate(item) {
		return
	}

	recalc, hash, err := NeedsRecalc(w.fieldSpec, w.fieldName, item)
	if err != nil {
		w.log.Errorw("Staleness evaluation failed", "item_id", item.ID, "error", err)
		return
	}
	if !recalc {
		return
	}

	w.log.Debugw("Field is stale", "item_id", item.ID, "fingerprint", hash)
	w.emit(ctx, w.fieldName, item, hash)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
