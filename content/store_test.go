package content

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/publish/errors"
	pubtest "github.com/teranos/publish/internal/testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(pubtest.CreateTestDB(t))
}

func TestStorePutAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	item := Item{
		ID:          "home",
		Name:        "Home",
		SortOrder:   2,
		Revision:    3,
		Publishable: true,
		Links:       []string{"logo", "footer"},
	}
	require.NoError(t, store.PutItem(ctx, "master", item))

	got, err := store.GetItem(ctx, "master", "home")
	require.NoError(t, err)
	assert.Equal(t, "Home", got.Name)
	assert.Equal(t, "", got.ParentID)
	assert.Equal(t, 2, got.SortOrder)
	assert.Equal(t, int64(3), got.Revision)
	assert.True(t, got.Publishable)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Equal(t, []string{"footer", "logo"}, got.Links)

	_, err = store.GetItem(ctx, "web", "home")
	assert.True(t, errors.IsNotFoundError(err), "items are scoped per database")

	item.Links = []string{"logo"}
	item.Publishable = false
	require.NoError(t, store.PutItem(ctx, "master", item))
	got, err = store.GetItem(ctx, "master", "home")
	require.NoError(t, err)
	assert.False(t, got.Publishable)
	assert.Equal(t, []string{"logo"}, got.Links)
}

func TestStorePutRequiresID(t *testing.T) {
	err := newTestStore(t).PutItem(context.Background(), "master", Item{Name: "nameless"})
	assert.True(t, errors.IsInvalidRequestError(err))
}

func seed(t *testing.T, store *Store, database string, items ...Item) {
	t.Helper()
	for _, item := range items {
		if item.Revision == 0 {
			item.Revision = 1
		}
		item.Publishable = true
		require.NoError(t, store.PutItem(context.Background(), database, item))
	}
}

func TestStoreChildIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "master",
		Item{ID: "root", Name: "root"},
		Item{ID: "b", ParentID: "root", SortOrder: 1},
		Item{ID: "a", ParentID: "root", SortOrder: 0},
	)
	seed(t, store, "web",
		Item{ID: "root", Name: "root"},
		Item{ID: "a", ParentID: "root", SortOrder: 0},
		Item{ID: "gone", ParentID: "root", SortOrder: 5},
	)

	ids, err := store.ChildIDs(ctx, []string{"master", "web"}, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "gone"}, ids)

	ids, err = store.ChildIDs(ctx, []string{"master"}, "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, err = store.ChildIDs(ctx, nil, "root")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStoreRootIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "master",
		Item{ID: "media", SortOrder: 1},
		Item{ID: "home", SortOrder: 0},
		Item{ID: "about", ParentID: "home"},
	)

	ids, err := store.RootIDs(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, []string{"home", "media"}, ids)

	ids, err = store.RootIDs(ctx, "web")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStoreSubtree(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seed(t, store, "web",
		Item{ID: "root"},
		Item{ID: "news", ParentID: "root", Links: []string{"root"}},
		Item{ID: "n1", ParentID: "news"},
		Item{ID: "n2", ParentID: "news"},
		Item{ID: "about", ParentID: "root"},
	)

	count, err := store.CountSubtree(ctx, "web", "news")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	removed, err := store.DeleteSubtree(ctx, "web", "news")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	total, err := store.CountItems(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	links, err := store.Links(ctx, "web", "news")
	require.NoError(t, err)
	assert.Empty(t, links)

	removed, err = store.DeleteSubtree(ctx, "web", "missing")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestStoreChangedSince(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	before := time.Now().Add(-time.Minute)

	seed(t, store, "master", Item{ID: "a"}, Item{ID: "b"})
	seed(t, store, "web", Item{ID: "c"})

	items, err := store.ChangedSince(ctx, "master", before)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, []string{items[0].ID, items[1].ID})

	items, err = store.ChangedSince(ctx, "master", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStoreWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	at, err := store.Watermark(ctx, "master", "web")
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	now := time.Now()
	require.NoError(t, store.SetWatermark(ctx, "master", "web", now))
	require.NoError(t, store.SetWatermark(ctx, "master", "web", now.Add(time.Second)))

	at, err = store.Watermark(ctx, "master", "web")
	require.NoError(t, err)
	assert.True(t, now.Add(time.Second).Equal(at), "got %s", at)

	at, err = store.Watermark(ctx, "master", "preview")
	require.NoError(t, err)
	assert.True(t, at.IsZero())
}
