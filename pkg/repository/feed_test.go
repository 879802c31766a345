package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/refeed/pkg/domain"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestUpsertFeed(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	published := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	up := domain.FeedUpsert{
		SourceTitle: "Example Blog",
		FeedURL:     "https://example.com/feed.xml",
		SiteURL:     "https://example.com",
		Entries: []domain.EntryUpsert{
			{Title: "First", URL: "https://example.com/1", PublishedAt: timePtr(published)},
			{Title: "Second", URL: "https://example.com/2", PublishedAt: timePtr(published.Add(time.Hour))},
		},
		Icon: &domain.IconUpsert{Hash: "abc123", Data: []byte{1, 2, 3}, ContentType: "image/png"},
	}

	t.Run("create", func(t *testing.T) {
		id, err := repos.Feed.UpsertFeed(ctx, up)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		feed, err := repos.Feed.GetFeed(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Example Blog", feed.Title())
		assert.Equal(t, int64(2), feed.EntryCount)
		assert.Equal(t, int64(2), feed.UnreadEntryCount)
		assert.True(t, feed.HasIcon)
		require.NotNil(t, feed.LastSyncResult)
		assert.Equal(t, domain.SyncSuccess, *feed.LastSyncResult)
		assert.NotNil(t, feed.LastSyncedAt)
	})

	t.Run("resync is idempotent", func(t *testing.T) {
		first, err := repos.Feed.UpsertFeed(ctx, up)
		require.NoError(t, err)

		second, err := repos.Feed.UpsertFeed(ctx, up)
		require.NoError(t, err)
		assert.Equal(t, first, second, "same feed_url keeps the same feed id")

		feed, err := repos.Feed.GetFeed(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, int64(2), feed.EntryCount, "no duplicate entries on re-sync")
	})

	t.Run("entry refresh on conflict", func(t *testing.T) {
		changed := up
		changed.Entries = []domain.EntryUpsert{{Title: "First Renamed", URL: "https://example.com/1"}}
		id, err := repos.Feed.UpsertFeed(ctx, changed)
		require.NoError(t, err)

		page, err := repos.Entry.ListEntries(ctx, EntriesQuery{FeedID: id, Search: "Renamed"})
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, "First Renamed", page.Entries[0].Title)
	})

	t.Run("in-feed duplicate urls collapse", func(t *testing.T) {
		dup := domain.FeedUpsert{
			SourceTitle: "Dup Feed",
			FeedURL:     "https://dup.example.com/feed.xml",
			Entries: []domain.EntryUpsert{
				{Title: "A", URL: "https://dup.example.com/post"},
				{Title: "B", URL: "https://dup.example.com/post"},
			},
		}
		id, err := repos.Feed.UpsertFeed(ctx, dup)
		require.NoError(t, err)

		feed, err := repos.Feed.GetFeed(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), feed.EntryCount)
	})
}

func TestIconSharedBetweenFeeds(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	icon := &domain.IconUpsert{Hash: "samehash", Data: []byte{9, 9, 9}, ContentType: "image/x-icon"}

	id1, err := repos.Feed.UpsertFeed(ctx, domain.FeedUpsert{
		SourceTitle: "One", FeedURL: "https://one.example.com/feed", Icon: icon})
	require.NoError(t, err)
	id2, err := repos.Feed.UpsertFeed(ctx, domain.FeedUpsert{
		SourceTitle: "Two", FeedURL: "https://two.example.com/feed", Icon: icon})
	require.NoError(t, err)

	count, err := repos.Icon.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "identical icon bytes stored once")

	icon1, err := repos.Icon.GetByFeedID(ctx, id1)
	require.NoError(t, err)
	icon2, err := repos.Icon.GetByFeedID(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, icon1.ID, icon2.ID)
	assert.Equal(t, []byte{9, 9, 9}, icon1.Data)
}

func TestBeginSync(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	id, err := repos.Feed.UpsertFeed(ctx, domain.FeedUpsert{
		SourceTitle: "Claimable", FeedURL: "https://claim.example.com/feed"})
	require.NoError(t, err)

	t.Run("claim and reject second claim", func(t *testing.T) {
		feed, err := repos.Feed.BeginSync(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "https://claim.example.com/feed", feed.FeedURL)

		_, err = repos.Feed.BeginSync(ctx, id)
		require.ErrorIs(t, err, ErrSyncRunning)
	})

	t.Run("release on result", func(t *testing.T) {
		require.NoError(t, repos.Feed.SetSyncResult(ctx, id, domain.SyncFetchError))

		feed, err := repos.Feed.BeginSync(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, feed.LastSyncResult)
		assert.Equal(t, domain.SyncFetchError, *feed.LastSyncResult)

		require.NoError(t, repos.Feed.SetSyncResult(ctx, id, domain.SyncSuccess))
	})

	t.Run("missing feed", func(t *testing.T) {
		_, err := repos.Feed.BeginSync(ctx, "no-such-id")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestFeedsToSync(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	fresh, err := repos.Feed.UpsertFeed(ctx, domain.FeedUpsert{
		SourceTitle: "Fresh", FeedURL: "https://fresh.example.com/feed"})
	require.NoError(t, err)
	broken, err := repos.Feed.UpsertFeed(ctx, domain.FeedUpsert{
		SourceTitle: "Broken", FeedURL: "https://broken.example.com/feed"})
	require.NoError(t, err)
	require.NoError(t, repos.Feed.SetSyncResult(ctx, broken, domain.SyncParseError))

	t.Run("nothing due with past cutoff", func(t *testing.T) {
		ids, err := repos.Feed.FeedsToSync(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("parse_error feeds never picked", func(t *testing.T) {
		ids, err := repos.Feed.FeedsToSync(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{fresh}, ids)
	})
}

func TestUpdateAndDeleteFeed(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	id, err := repos.Feed.UpsertFeed(ctx, domain.FeedUpsert{
		SourceTitle: "Original", FeedURL: "https://orig.example.com/feed",
		Entries: []domain.EntryUpsert{{Title: "Post", URL: "https://orig.example.com/post"}}})
	require.NoError(t, err)

	t.Run("update sets user title", func(t *testing.T) {
		err := repos.Feed.UpdateFeed(ctx, id, "My Name", "https://orig.example.com/feed", "https://orig.example.com")
		require.NoError(t, err)

		feed, err := repos.Feed.GetFeed(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "My Name", feed.Title())
		require.NotNil(t, feed.SourceTitle)
		assert.Equal(t, "Original", *feed.SourceTitle, "source title preserved")
	})

	t.Run("empty title clears override", func(t *testing.T) {
		err := repos.Feed.UpdateFeed(ctx, id, "", "https://orig.example.com/feed", "")
		require.NoError(t, err)

		feed, err := repos.Feed.GetFeed(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Original", feed.Title())
	})

	t.Run("update missing feed", func(t *testing.T) {
		err := repos.Feed.UpdateFeed(ctx, "no-such-id", "x", "https://x.example.com", "")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete removes entries", func(t *testing.T) {
		require.NoError(t, repos.Feed.DeleteFeed(ctx, id))

		_, err := repos.Feed.GetFeed(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)

		page, err := repos.Entry.ListEntries(ctx, EntriesQuery{FeedID: id})
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
	})

	t.Run("delete missing feed", func(t *testing.T) {
		require.ErrorIs(t, repos.Feed.DeleteFeed(ctx, "no-such-id"), ErrNotFound)
	})
}

func TestExistingFeedURLs(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()

	_, err := repos.Feed.UpsertFeed(ctx, domain.FeedUpsert{
		SourceTitle: "Known", FeedURL: "https://known.example.com/feed"})
	require.NoError(t, err)

	existing, err := repos.Feed.ExistingFeedURLs(ctx,
		[]string{"https://known.example.com/feed", "https://unknown.example.com/feed"})
	require.NoError(t, err)
	assert.Contains(t, existing, "https://known.example.com/feed")
	assert.NotContains(t, existing, "https://unknown.example.com/feed")

	empty, err := repos.Feed.ExistingFeedURLs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
