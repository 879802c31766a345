package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/refeed/pkg/cursor"
	"github.com/umputun/refeed/pkg/domain"
)

// seedEntries creates a feed with n entries published an hour apart,
// oldest first, and returns the feed id
func seedEntries(t *testing.T, repos *Repositories, feedURL string, n int) string {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := make([]domain.EntryUpsert, n)
	for i := 0; i < n; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		entries[i] = domain.EntryUpsert{
			Title:       fmt.Sprintf("Post %d", i+1),
			URL:         fmt.Sprintf("%s/post-%d", feedURL, i+1),
			PublishedAt: &ts,
		}
	}

	id, err := repos.Feed.UpsertFeed(context.Background(), domain.FeedUpsert{
		SourceTitle: "Seeded", FeedURL: feedURL, Entries: entries})
	require.NoError(t, err)
	return id
}

func decodeCursor(t *testing.T, token string) *cursor.Position {
	t.Helper()
	require.NotEmpty(t, token)
	pos, err := cursor.Decode(token)
	require.NoError(t, err)
	return &pos
}

func titles(entries []domain.EntryWithIcon) []string {
	out := make([]string, len(entries))
	for i := range entries {
		out[i] = entries[i].Title
	}
	return out
}

func TestListEntriesPagination(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	seedEntries(t, repos, "https://page.example.com", 5)

	// page 1: newest first
	page1, err := repos.Entry.ListEntries(ctx, EntriesQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Post 5", "Post 4"}, titles(page1.Entries))
	assert.Empty(t, page1.PrevCursor, "first page has nothing before it")
	require.NotEmpty(t, page1.NextCursor)

	// page 2
	page2, err := repos.Entry.ListEntries(ctx, EntriesQuery{Limit: 2, Right: decodeCursor(t, page1.NextCursor)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Post 3", "Post 2"}, titles(page2.Entries))
	require.NotEmpty(t, page2.NextCursor)
	require.NotEmpty(t, page2.PrevCursor)

	// page 3: last, shorter than limit
	page3, err := repos.Entry.ListEntries(ctx, EntriesQuery{Limit: 2, Right: decodeCursor(t, page2.NextCursor)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Post 1"}, titles(page3.Entries))
	assert.Empty(t, page3.NextCursor, "no page after the last one")
	require.NotEmpty(t, page3.PrevCursor)

	// walk back from page 3 lands on page 2 again
	back, err := repos.Entry.ListEntries(ctx, EntriesQuery{Limit: 2, Left: decodeCursor(t, page3.PrevCursor)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Post 3", "Post 2"}, titles(back.Entries))
	require.NotEmpty(t, back.PrevCursor, "page 1 still exists above")
}

func TestListEntriesCursorStability(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	seedEntries(t, repos, "https://stable.example.com", 4)

	page1, err := repos.Entry.ListEntries(ctx, EntriesQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"Post 4", "Post 3"}, titles(page1.Entries))

	// a newer entry arrives between page fetches
	newTS := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err = repos.Feed.UpsertFeed(ctx, domain.FeedUpsert{
		SourceTitle: "Seeded", FeedURL: "https://stable.example.com",
		Entries: []domain.EntryUpsert{{Title: "Breaking", URL: "https://stable.example.com/breaking", PublishedAt: &newTS}}})
	require.NoError(t, err)

	page2, err := repos.Entry.ListEntries(ctx, EntriesQuery{Limit: 2, Right: decodeCursor(t, page1.NextCursor)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Post 2", "Post 1"}, titles(page2.Entries),
		"inserted entry must not shift the page boundary")
}

func TestListEntriesSortOldest(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	seedEntries(t, repos, "https://oldest.example.com", 3)

	page1, err := repos.Entry.ListEntries(ctx, EntriesQuery{Limit: 2, Sort: "oldest"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Post 1", "Post 2"}, titles(page1.Entries))

	page2, err := repos.Entry.ListEntries(ctx, EntriesQuery{Limit: 2, Sort: "oldest", Right: decodeCursor(t, page1.NextCursor)})
	require.NoError(t, err)
	assert.Equal(t, []string{"Post 3"}, titles(page2.Entries))
}

func TestListEntriesFilters(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	feedID := seedEntries(t, repos, "https://filter.example.com", 4)
	otherID := seedEntries(t, repos, "https://other.example.com", 1)

	t.Run("by feed", func(t *testing.T) {
		page, err := repos.Entry.ListEntries(ctx, EntriesQuery{FeedID: otherID})
		require.NoError(t, err)
		assert.Len(t, page.Entries, 1)
	})

	t.Run("search matches title and url", func(t *testing.T) {
		page, err := repos.Entry.ListEntries(ctx, EntriesQuery{Search: "Post 2", FeedID: feedID})
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, "Post 2", page.Entries[0].Title)

		page, err = repos.Entry.ListEntries(ctx, EntriesQuery{Search: "filter.example.com/post-3"})
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, "Post 3", page.Entries[0].Title)
	})

	t.Run("unread", func(t *testing.T) {
		all, err := repos.Entry.ListEntries(ctx, EntriesQuery{FeedID: feedID})
		require.NoError(t, err)
		require.NoError(t, repos.Entry.SetRead(ctx, all.Entries[0].ID, true))

		page, err := repos.Entry.ListEntries(ctx, EntriesQuery{FeedID: feedID, Unread: true})
		require.NoError(t, err)
		assert.Len(t, page.Entries, 3)
	})

	t.Run("starred", func(t *testing.T) {
		all, err := repos.Entry.ListEntries(ctx, EntriesQuery{FeedID: feedID})
		require.NoError(t, err)
		require.NoError(t, repos.Entry.SetStarred(ctx, all.Entries[1].ID, true))

		page, err := repos.Entry.ListEntries(ctx, EntriesQuery{FeedID: feedID, Starred: true})
		require.NoError(t, err)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, all.Entries[1].ID, page.Entries[0].ID)
	})

	t.Run("time range", func(t *testing.T) {
		start := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC) // from Post 2 on
		end := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)   // up to Post 3
		page, err := repos.Entry.ListEntries(ctx, EntriesQuery{FeedID: feedID, Start: &start, End: &end})
		require.NoError(t, err)
		assert.Equal(t, []string{"Post 3", "Post 2"}, titles(page.Entries))
	})
}

func TestSetReadAndStarred(t *testing.T) {
	repos := setupTestRepos(t)
	ctx := context.Background()
	seedEntries(t, repos, "https://read.example.com", 1)

	page, err := repos.Entry.ListEntries(ctx, EntriesQuery{})
	require.NoError(t, err)
	id := page.Entries[0].ID

	require.NoError(t, repos.Entry.SetRead(ctx, id, true))
	entry, err := repos.Entry.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, entry.ReadAt)

	require.NoError(t, repos.Entry.SetRead(ctx, id, false))
	entry, err = repos.Entry.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, entry.ReadAt)

	require.ErrorIs(t, repos.Entry.SetRead(ctx, "no-such-id", true), ErrNotFound)
	require.ErrorIs(t, repos.Entry.SetStarred(ctx, "no-such-id", true), ErrNotFound)
}
