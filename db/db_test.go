package db_test

import (
	"context"
	"forest/db"
	"forest/models"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *db.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "forest.db")
	store, err := db.Open(context.Background(), db.DriverSQLite, path, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Migrate())
	return store
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := db.Open(context.Background(), "mysql", "whatever", time.Second)
	assert.Error(t, err)
}

func TestMigrateIsRepeatable(t *testing.T) {
	store := openStore(t)
	assert.NoError(t, store.Migrate())
}

func TestFeeds(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	feed, err := store.GetFeedByURL(ctx, "http://example.com/feed.xml")
	require.NoError(t, err)
	assert.Nil(t, feed)

	require.NoError(t, store.InsertFeed(ctx, models.Feed{
		Title:      "<b>Example</b> feed",
		Url:        "http://example.com/",
		FeedUrl:    "http://example.com/feed.xml",
		FeedType:   "rss",
		CategoryId: 1,
	}))

	// A second insert with the same fetch url is ignored
	require.NoError(t, store.InsertFeed(ctx, models.Feed{
		Title:   "Duplicate",
		FeedUrl: "http://example.com/feed.xml",
	}))
	require.NoError(t, store.InsertFeed(ctx, models.Feed{
		Title:   "Other",
		FeedUrl: "http://other.example.com/atom.xml",
	}))

	feeds, err := store.GetFeeds(ctx)
	require.NoError(t, err)
	require.Len(t, feeds, 2)

	feed, err = store.GetFeedByURL(ctx, "http://example.com/feed.xml")
	require.NoError(t, err)
	require.NotNil(t, feed)
	assert.Equal(t, feeds[0], *feed)
	assert.Equal(t, "Example feed", feed.Title)
	assert.Equal(t, "http://example.com/", feed.Url)
	assert.Equal(t, "rss", feed.FeedType)
	assert.Equal(t, int64(1), feed.CategoryId)
	assert.Equal(t, int64(0), feeds[1].CategoryId)

	require.NoError(t, store.MarkFeedError(ctx, feed.Id))
	require.NoError(t, store.MarkFeedError(ctx, feed.Id))
	require.NoError(t, store.UpdateFeedFrequency(ctx, feed.Id, 3_600_000))

	feed, err = store.GetFeedByURL(ctx, "http://example.com/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, int64(2), feed.ErrorCount)
	assert.Equal(t, int64(3_600_000), feed.UpdateFrequency)
}

func TestInsertItem(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertFeed(ctx, models.Feed{FeedUrl: "http://example.com/feed.xml"}))
	feed, err := store.GetFeedByURL(ctx, "http://example.com/feed.xml")
	require.NoError(t, err)

	published := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	item := models.FetchedItem{
		Link:      "http://example.com/1",
		Title:     "<i>First</i> post",
		Content:   `<p>Hello</p><script>alert("x")</script>`,
		Published: published,
	}

	inserted, err := store.InsertItem(ctx, feed.Id, item)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.InsertItem(ctx, feed.Id, item)
	require.NoError(t, err)
	assert.False(t, inserted, "a second insert of the same link is a no-op")

	before := time.Now().UnixMilli()
	inserted, err = store.InsertItem(ctx, feed.Id, models.FetchedItem{
		Link:        "http://example.com/2",
		Title:       "Undated",
		Description: "Only a description",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	after := time.Now().UnixMilli()

	items, err := store.GetItems(ctx, feed.Id, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	undated := items[0]
	assert.Equal(t, "http://example.com/2", undated.Link)
	assert.Equal(t, "Only a description", undated.Content)
	assert.GreaterOrEqual(t, undated.Published, before)
	assert.LessOrEqual(t, undated.Published, after)

	first := items[1]
	assert.Equal(t, "First post", first.Title)
	assert.Equal(t, "<p>Hello</p>", first.Content)
	assert.Equal(t, published, first.Published)
	assert.Equal(t, feed.Id, first.FeedId)
}

func TestInsertItemForUnknownFeedFails(t *testing.T) {
	store := openStore(t)

	_, err := store.InsertItem(context.Background(), 42, models.FetchedItem{Link: "http://example.com/1"})
	assert.Error(t, err)
}

func TestTidy(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertFeed(ctx, models.Feed{FeedUrl: "http://example.com/feed.xml"}))
	feed, err := store.GetFeedByURL(ctx, "http://example.com/feed.xml")
	require.NoError(t, err)

	old := time.Now().Add(-200 * 24 * time.Hour).UnixMilli()
	recent := time.Now().Add(-24 * time.Hour).UnixMilli()
	for link, published := range map[string]int64{"old": old, "recent": recent} {
		_, err := store.InsertItem(ctx, feed.Id, models.FetchedItem{Link: link, Published: published})
		require.NoError(t, err)
	}

	removed, err := store.Tidy(ctx, db.DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	items, err := store.GetItems(ctx, feed.Id, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "recent", items[0].Link)
}

func TestRollback(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Rollback())

	_, err := store.GetFeeds(context.Background())
	assert.Error(t, err)

	require.NoError(t, store.Migrate())
	feeds, err := store.GetFeeds(context.Background())
	require.NoError(t, err)
	assert.Empty(t, feeds)
}
