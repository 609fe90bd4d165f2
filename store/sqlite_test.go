package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/fingerprint"
	internaltesting "github.com/fieldflow/fieldflow/internal/testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s := NewSQLite(internaltesting.CreateMigratedTestDB(t))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedArticle(t *testing.T, s *SQLiteStore) *entity.Item {
	t.Helper()
	item := &entity.Item{
		ID: "n1",
		Fields: map[string]any{
			"sourceItemTeaser":        "hello",
			"contentDetectedLangCode": "en",
		},
	}
	require.NoError(t, s.Insert(context.Background(), "articles", item))
	return item
}

func TestInsertRecordsImportMetadata(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s)

	got, err := s.Get(context.Background(), "articles", "n1")
	require.NoError(t, err)

	meta, ok := got.Meta("sourceItemTeaser")
	require.True(t, ok)
	assert.Equal(t, entity.StatusFinal, meta.Status)
	assert.Equal(t, "import", meta.Source)
	assert.Empty(t, meta.DependencyFieldsHash, "imported fields are manual values")

	wantHash, err := fingerprint.ValueHash("hello", false)
	require.NoError(t, err)
	assert.Equal(t, wantHash, meta.ValueHash)
}

func TestGetMissingItem(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "articles", "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestConditionalPatchAppliesWhenFingerprintMatches(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s)
	ctx := context.Background()

	item, err := s.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	deps := []string{"contentDetectedLangCode", "sourceItemTeaser"}
	hash, err := fingerprint.Compute(deps, item)
	require.NoError(t, err)

	patch := entity.SetPatch("engTeaser", "Hello", "translation-1.0.0", deps, hash)
	require.NoError(t, s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{patch}}))

	got, err := s.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Field("engTeaser"))

	meta, ok := got.Meta("engTeaser")
	require.True(t, ok)
	assert.Equal(t, entity.StatusFinal, meta.Status)
	assert.Equal(t, hash, meta.DependencyFieldsHash)
	assert.Equal(t, []string{"contentDetectedLangCode", "sourceItemTeaser"}, meta.DependencyFields)

	wantValueHash, err := fingerprint.ValueHash("Hello", false)
	require.NoError(t, err)
	assert.Equal(t, wantValueHash, meta.ValueHash)
}

func TestConditionalPatchRejectsStaleFingerprint(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s)
	ctx := context.Background()

	item, err := s.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	deps := []string{"contentDetectedLangCode", "sourceItemTeaser"}
	staleHash, err := fingerprint.Compute(deps, item)
	require.NoError(t, err)

	// A dependency changes before the result lands.
	overwrite := entity.Patch{
		UpdateType: "set",
		Status:     entity.StatusFinal,
		Value:      map[string]any{"sourceItemTeaser": "bye"},
		Source:     "editor",
	}
	require.NoError(t, s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{overwrite}}))

	before, err := s.Get(ctx, "articles", "n1")
	require.NoError(t, err)

	stale := entity.SetPatch("engTeaser", "Hello", "translation-1.0.0", deps, staleHash)
	err = s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{stale}})
	require.Error(t, err)
	assert.True(t, errors.IsUnchanged(err))

	// The rejection left the document untouched.
	after, err := s.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	assert.Equal(t, before.Fields, after.Fields)
	assert.Equal(t, before.Metadata, after.Metadata)
	assert.False(t, after.HasField("engTeaser"))
}

func TestDuplicateResultIsNoOp(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s)
	ctx := context.Background()

	item, err := s.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	deps := []string{"contentDetectedLangCode", "sourceItemTeaser"}
	hash, err := fingerprint.Compute(deps, item)
	require.NoError(t, err)

	patch := entity.SetPatch("engTeaser", "Hello", "translation-1.0.0", deps, hash)
	require.NoError(t, s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{patch}}))

	// The same result delivered twice still applies: writing engTeaser
	// does not move its own dependencies' fingerprint.
	err = s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{patch}})
	require.NoError(t, err)
}

func TestErrorPatchClearsValue(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s)
	ctx := context.Background()

	set := entity.Patch{
		UpdateType: "set",
		Status:     entity.StatusFinal,
		Value:      map[string]any{"engTeaser": "Hello"},
		Source:     "translation-1.0.0",
	}
	require.NoError(t, s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{set}}))

	failed := entity.ErrorPatch("engTeaser", map[string]any{"message": "upstream 500"}, "translation-1.0.0", nil, "")
	require.NoError(t, s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{failed}}))

	got, err := s.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	assert.False(t, got.HasField("engTeaser"), "error writes clear the stored value")

	meta, ok := got.Meta("engTeaser")
	require.True(t, ok)
	assert.Equal(t, entity.StatusError, meta.Status)
	assert.NotNil(t, meta.Error)
	assert.Equal(t, fingerprint.NullSentinel(), meta.ValueHash)
}

func TestPatchMissingItemIsUnchanged(t *testing.T) {
	s := newTestStore(t)
	patch := entity.SetPatch("f", "v", "src", nil, "")
	err := s.Patch(context.Background(), "articles", "ghost", entity.PatchSet{Patches: []entity.Patch{patch}})
	require.Error(t, err)
	assert.True(t, errors.IsUnchanged(err))
}

func collectChange(t *testing.T, feed <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-feed:
		require.True(t, ok, "feed closed unexpectedly")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change event")
		return Change{}
	}
}

func TestWatchDeliversLiveChanges(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := s.Watch(ctx, WatchOptions{Table: "articles"})
	require.NoError(t, err)

	patch := entity.Patch{
		UpdateType: "set",
		Status:     entity.StatusFinal,
		Value:      map[string]any{"sourceItemTeaser": "bye"},
		Source:     "editor",
	}
	require.NoError(t, s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{patch}}))

	c := collectChange(t, feed)
	require.NotNil(t, c.NewValue)
	require.NotNil(t, c.OldValue)
	assert.Equal(t, "bye", c.NewValue.Field("sourceItemTeaser"))
	assert.Equal(t, "hello", c.OldValue.Field("sourceItemTeaser"))
}

func TestWatchIncludeInitialStreamsCurrentState(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := s.Watch(ctx, WatchOptions{Table: "articles", IncludeInitial: true})
	require.NoError(t, err)

	c := collectChange(t, feed)
	require.NotNil(t, c.NewValue)
	assert.Nil(t, c.OldValue, "initial rows carry no old value")
	assert.Equal(t, "n1", c.NewValue.ID)
}

func TestWatchIgnoresOtherTables(t *testing.T) {
	s := newTestStore(t)
	seedArticle(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed, err := s.Watch(ctx, WatchOptions{Table: "storylines"})
	require.NoError(t, err)

	patch := entity.Patch{
		UpdateType: "set",
		Status:     entity.StatusFinal,
		Value:      map[string]any{"sourceItemTeaser": "bye"},
		Source:     "editor",
	}
	require.NoError(t, s.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{patch}}))

	select {
	case c := <-feed:
		t.Fatalf("unexpected change on storylines feed: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEnsureWatchIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureWatchIndex(ctx, "translation", "engTeaser", "hash-a"))
	// Same spec hash is idempotent.
	require.NoError(t, s.EnsureWatchIndex(ctx, "translation", "engTeaser", "hash-a"))

	var name string
	err := s.db.QueryRow(
		"SELECT index_name FROM watch_indexes WHERE task_name = ? AND field_name = ?",
		"translation", "engTeaser",
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, WatchIndexName("translation", "engTeaser", "hash-a"), name)

	// A spec change replaces the stale registration.
	require.NoError(t, s.EnsureWatchIndex(ctx, "translation", "engTeaser", "hash-b"))

	var count int
	require.NoError(t, s.db.QueryRow(
		"SELECT COUNT(*) FROM watch_indexes WHERE task_name = ? AND field_name = ?",
		"translation", "engTeaser",
	).Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, s.db.QueryRow(
		"SELECT index_name FROM watch_indexes WHERE task_name = ? AND field_name = ?",
		"translation", "engTeaser",
	).Scan(&name))
	assert.Equal(t, WatchIndexName("translation", "engTeaser", "hash-b"), name)
}
