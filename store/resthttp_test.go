package store

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldflow/fieldflow/entity"
	"github.com/fieldflow/fieldflow/errors"
	"github.com/fieldflow/fieldflow/fingerprint"
	internaltesting "github.com/fieldflow/fieldflow/internal/testing"
)

func newRESTFixture(t *testing.T) (*RESTStore, *SQLiteStore) {
	t.Helper()
	backing := NewSQLite(internaltesting.CreateMigratedTestDB(t))
	srv := httptest.NewServer(NewServer(backing))
	t.Cleanup(func() {
		srv.Close()
		backing.Close()
	})
	return NewREST(srv.URL), backing
}

func TestRESTRoundTrip(t *testing.T) {
	client, _ := newRESTFixture(t)
	ctx := context.Background()

	item := &entity.Item{
		ID:     "n1",
		Fields: map[string]any{"sourceItemTeaser": "hello", "contentDetectedLangCode": "en"},
	}
	require.NoError(t, client.Insert(ctx, "articles", item))

	got, err := client.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Field("sourceItemTeaser"))
	assert.Equal(t, entity.StatusFinal, got.FieldStatus("sourceItemTeaser"))
}

func TestRESTGetMissingItem(t *testing.T) {
	client, _ := newRESTFixture(t)
	_, err := client.Get(context.Background(), "articles", "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestRESTConditionalPatch(t *testing.T) {
	client, _ := newRESTFixture(t)
	ctx := context.Background()

	item := &entity.Item{
		ID:     "n1",
		Fields: map[string]any{"sourceItemTeaser": "hello", "contentDetectedLangCode": "en"},
	}
	require.NoError(t, client.Insert(ctx, "articles", item))

	current, err := client.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	deps := []string{"contentDetectedLangCode", "sourceItemTeaser"}
	hash, err := fingerprint.Compute(deps, current)
	require.NoError(t, err)

	patch := entity.SetPatch("engTeaser", "Hello", "translation-1.0.0", deps, hash)
	require.NoError(t, client.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{patch}}))

	got, err := client.Get(ctx, "articles", "n1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Field("engTeaser"))

	// A stale hash comes back as 409 and maps to ErrUnchanged.
	overwrite := entity.Patch{
		UpdateType: "set",
		Status:     entity.StatusFinal,
		Value:      map[string]any{"sourceItemTeaser": "bye"},
		Source:     "editor",
	}
	require.NoError(t, client.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{overwrite}}))

	err = client.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{patch}})
	require.Error(t, err)
	assert.True(t, errors.IsUnchanged(err))
}

func TestRESTPatchMissingItemIsUnchanged(t *testing.T) {
	client, _ := newRESTFixture(t)
	patch := entity.SetPatch("f", "v", "src", nil, "")
	err := client.Patch(context.Background(), "articles", "ghost", entity.PatchSet{Patches: []entity.Patch{patch}})
	require.Error(t, err)
	assert.True(t, errors.IsUnchanged(err))
}

func TestRESTWatchStreamsChanges(t *testing.T) {
	client, backing := newRESTFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	item := &entity.Item{ID: "n1", Fields: map[string]any{"sourceItemTeaser": "hello"}}
	require.NoError(t, client.Insert(ctx, "articles", item))

	feed, err := client.Watch(ctx, WatchOptions{Table: "articles", IncludeInitial: true})
	require.NoError(t, err)

	initial := collectChange(t, feed)
	require.NotNil(t, initial.NewValue)
	assert.Equal(t, "n1", initial.NewValue.ID)

	patch := entity.Patch{
		UpdateType: "set",
		Status:     entity.StatusFinal,
		Value:      map[string]any{"sourceItemTeaser": "bye"},
		Source:     "editor",
	}
	require.NoError(t, backing.Patch(ctx, "articles", "n1", entity.PatchSet{Patches: []entity.Patch{patch}}))

	live := collectChange(t, feed)
	require.NotNil(t, live.NewValue)
	assert.Equal(t, "bye", live.NewValue.Field("sourceItemTeaser"))
	require.NotNil(t, live.OldValue)
	assert.Equal(t, "hello", live.OldValue.Field("sourceItemTeaser"))
}

func TestRESTWatchClosesOnCancel(t *testing.T) {
	client, _ := newRESTFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	feed, err := client.Watch(ctx, WatchOptions{Table: "articles"})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-feed:
		assert.False(t, ok, "feed should close after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not close after cancellation")
	}
}

func TestRESTEnsureWatchIndex(t *testing.T) {
	client, backing := newRESTFixture(t)
	ctx := context.Background()

	require.NoError(t, client.EnsureWatchIndex(ctx, "translation", "engTeaser", "hash-a"))

	var name string
	err := backing.db.QueryRow(
		"SELECT index_name FROM watch_indexes WHERE task_name = ? AND field_name = ?",
		"translation", "engTeaser",
	).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, WatchIndexName("translation", "engTeaser", "hash-a"), name)
}

func TestRESTConnectivityErrors(t *testing.T) {
	client := NewREST("http://127.0.0.1:1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.Get(ctx, "articles", "n1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectivity))

	_, err = client.Watch(ctx, WatchOptions{Table: "articles"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectivity))
}
