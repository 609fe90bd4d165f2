package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/fingerprint"
	"github.com/fieldflow/fieldflow/logger"
)

// SQLiteStore is the embedded entity store: documents in a JSON table,
// hash-gated patches in a transaction, and an in-process change feed.
// Suitable for tests and single-process deployments; multi-process
// deployments talk to a REST store instead.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.SugaredLogger

	mu      sync.Mutex
	subs    map[int]*subscription
	nextSub int
	closed  bool
}

type subscription struct {
	table string
	ch    chan Change
	done  <-chan struct{}
}

// NewSQLite wraps an open, migrated database as a Store.
func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:   db,
		log:  logger.Named("store.sqlite"),
		subs: make(map[int]*subscription),
	}
}

// Get loads one item.
func (s *SQLiteStore) Get(ctx context.Context, table, itemID string) (*entity.Item, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		"SELECT doc FROM items WHERE table_name = ? AND item_id = ?", table, itemID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "item %s/%s", table, itemID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load item %s/%s", table, itemID)
	}

	var item entity.Item
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return nil, errors.Wrapf(err, "decode item %s/%s", table, itemID)
	}
	return &item, nil
}

// Insert stores an item document. Fields without a metadata entry get
// one recorded as a manual final value (source "import", no dependency
// hash), so imported source fields participate in fingerprints without
// ever being flagged for recomputation themselves.
func (s *SQLiteStore) Insert(ctx context.Context, table string, item *entity.Item) error {
	if item.Metadata == nil {
		item.Metadata = make(map[string]entity.FieldMetadata)
	}
	now := time.Now().UTC()
	for name, value := range item.Fields {
		if _, ok := item.Metadata[name]; ok {
			continue
		}
		valueHash, err := fingerprint.ValueHash(value, false)
		if err != nil {
			return errors.Wrapf(err, "hash field %s", name)
		}
		item.Metadata[name] = entity.FieldMetadata{
			Status:     entity.StatusFinal,
			Source:     "import",
			UpdateTime: now,
			ValueHash:  valueHash,
		}
	}

	doc, err := json.Marshal(item)
	if err != nil {
		return errors.Wrapf(err, "encode item %s/%s", table, item.ID)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (table_name, item_id, doc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, item_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		table, item.ID, string(doc), now,
	)
	if err != nil {
		return errors.Wrapf(err, "insert item %s/%s", table, item.ID)
	}

	s.broadcast(Change{Table: table, NewValue: item})
	return nil
}

// Patch applies a patch set atomically. Hash-gated patches whose
// recomputed fingerprint no longer matches reject the whole set with
// ErrUnchanged; so does patching a missing item. Both are benign
// concurrency outcomes, not errors.
func (s *SQLiteStore) Patch(ctx context.Context, table, itemID string, patches entity.PatchSet) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin patch tx")
	}
	defer tx.Rollback()

	var doc string
	err = tx.QueryRowContext(ctx,
		"SELECT doc FROM items WHERE table_name = ? AND item_id = ?", table, itemID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return errors.Wrapf(errors.ErrUnchanged, "item %s/%s is gone", table, itemID)
	}
	if err != nil {
		return errors.Wrapf(err, "load item %s/%s for patch", table, itemID)
	}

	var item entity.Item
	if err := json.Unmarshal([]byte(doc), &item); err != nil {
		return errors.Wrapf(err, "decode item %s/%s", table, itemID)
	}
	var oldItem entity.Item
	if err := json.Unmarshal([]byte(doc), &oldItem); err != nil {
		return errors.Wrapf(err, "decode item %s/%s", table, itemID)
	}

	// Gate first: one stale fingerprint rejects the whole set.
	for _, p := range patches.Patches {
		if len(p.DependencyFields) == 0 || p.DependencyFieldsHash == "" {
			continue
		}
		current, err := fingerprint.Compute(p.DependencyFields, &item)
		if err != nil {
			return errors.Wrapf(err, "recompute fingerprint for %s", p.FieldName())
		}
		if current != p.DependencyFieldsHash {
			return errors.Wrapf(errors.ErrUnchanged,
				"field %s fingerprint moved on under the writer", p.FieldName())
		}
	}

	now := time.Now().UTC()
	for _, p := range patches.Patches {
		if err := applyPatch(&item, p, now); err != nil {
			return err
		}
	}

	newDoc, err := json.Marshal(&item)
	if err != nil {
		return errors.Wrapf(err, "encode item %s/%s", table, itemID)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE items SET doc = ?, updated_at = ? WHERE table_name = ? AND item_id = ?",
		string(newDoc), now, table, itemID,
	); err != nil {
		return errors.Wrapf(err, "write item %s/%s", table, itemID)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit patch tx")
	}

	s.broadcast(Change{Table: table, OldValue: &oldItem, NewValue: &item})
	return nil
}

func applyPatch(item *entity.Item, p entity.Patch, now time.Time) error {
	if p.UpdateType != "" && p.UpdateType != "set" {
		return errors.Wrapf(errors.ErrValidation, "unsupported updateType %q", p.UpdateType)
	}
	field := p.FieldName()
	if field == "" {
		return errors.Wrap(errors.ErrValidation, "patch names no field")
	}

	if item.Fields == nil {
		item.Fields = make(map[string]any)
	}
	if item.Metadata == nil {
		item.Metadata = make(map[string]entity.FieldMetadata)
	}

	var value any
	hasError := p.Status == entity.StatusError
	if hasError {
		// Error writes clear the stored value.
		delete(item.Fields, field)
	} else {
		value = p.Value[field]
		item.Fields[field] = value
	}

	valueHash, err := fingerprint.ValueHash(value, hasError)
	if err != nil {
		return errors.Wrapf(err, "hash value for %s", field)
	}

	item.Metadata[field] = entity.FieldMetadata{
		Status:               p.Status,
		Source:               p.Source,
		UpdateTime:           now,
		Error:                p.Error,
		ValueHash:            valueHash,
		DependencyFieldsHash: p.DependencyFieldsHash,
		DependencyFields:     fingerprint.SortFields(p.DependencyFields),
	}
	return nil
}

// Watch subscribes to the table's change feed. Include-initial rows are
// streamed after subscription starts, so an event may be seen twice
// around the boundary; duplicates are safe, the fingerprint gate
// collapses them.
func (s *SQLiteStore) Watch(ctx context.Context, opts WatchOptions) (<-chan Change, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Wrap(errors.ErrConnectivity, "store is closed")
	}
	sub := &subscription{
		table: opts.Table,
		ch:    make(chan Change, 256),
		done:  ctx.Done(),
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.mu.Unlock()

	out := make(chan Change)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(out)
		}()

		if opts.IncludeInitial {
			if err := s.streamInitial(ctx, opts.Table, out); err != nil {
				s.log.Errorw("Initial scan failed", "table", opts.Table, "error", err)
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-sub.ch:
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SQLiteStore) streamInitial(ctx context.Context, table string, out chan<- Change) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT doc FROM items WHERE table_name = ? ORDER BY item_id", table)
	if err != nil {
		return errors.Wrapf(err, "scan table %s", table)
	}
	defer rows.Close()

	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return errors.Wrap(err, "scan row")
		}
		var item entity.Item
		if err := json.Unmarshal([]byte(doc), &item); err != nil {
			return errors.Wrap(err, "decode row")
		}
		select {
		case out <- Change{Table: table, NewValue: &item}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Wrap(rows.Err(), "iterate rows")
}

// broadcast fans an event out to matching subscribers. A full, stalled
// subscriber exerts backpressure on the writer rather than dropping
// events.
func (s *SQLiteStore) broadcast(c Change) {
	s.mu.Lock()
	targets := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.table == c.Table {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- c:
		case <-sub.done:
		}
	}
}

// EnsureWatchIndex registers the index for one watched field under its
// current spec hash, dropping a stale registration first.
func (s *SQLiteStore) EnsureWatchIndex(ctx context.Context, taskName, fieldName, specHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin index tx")
	}
	defer tx.Rollback()

	var recorded string
	err = tx.QueryRowContext(ctx,
		"SELECT spec_hash FROM watch_indexes WHERE task_name = ? AND field_name = ?",
		taskName, fieldName,
	).Scan(&recorded)
	switch {
	case err == sql.ErrNoRows:
		// Nothing to drop.
	case err != nil:
		return errors.Wrapf(err, "look up index for %s.%s", taskName, fieldName)
	case recorded == specHash:
		return nil
	default:
		s.log.Infow("Dropping stale watch index",
			"task", taskName, "field", fieldName, "old_spec_hash", recorded)
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM watch_indexes WHERE task_name = ? AND field_name = ?",
			taskName, fieldName,
		); err != nil {
			return errors.Wrapf(err, "drop stale index for %s.%s", taskName, fieldName)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO watch_indexes (index_name, task_name, field_name, spec_hash) VALUES (?, ?, ?, ?)",
		WatchIndexName(taskName, fieldName, specHash), taskName, fieldName, specHash,
	); err != nil {
		return errors.Wrapf(err, "register index for %s.%s", taskName, fieldName)
	}
	return errors.Wrap(tx.Commit(), "commit index tx")
}

// Close stops the change feed. The caller owns the underlying database
// handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*SQLiteStore)(nil)
