package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/refeed/pkg/domain"
	"github.com/umputun/refeed/pkg/feed"
	"github.com/umputun/refeed/pkg/repository"
)

func setupService(t *testing.T) (*Service, *repository.Repositories) {
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?mode=rwc&_txlock=immediate"
	repos, err := repository.NewRepositories(context.Background(), repository.Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, repos.Close()) })

	svc := NewService(repos.Feed, feed.NewFetcher(5*time.Second, "refeed-test/1.0"), Config{})
	return svc, repos
}

// feedServer serves an RSS feed whose item count follows the entries counter
func feedServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var entries atomic.Int32
	entries.Store(1)

	var ts *httptest.Server
	ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/feed.xml" && r.URL.Path != "/feed.xml/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		body := `<?xml version="1.0"?><rss version="2.0"><channel><title>Live Feed</title><link>` + ts.URL + `</link>`
		for i := int32(1); i <= entries.Load(); i++ {
			n := strconv.Itoa(int(i))
			body += `<item><title>Post ` + n + `</title><link>` + ts.URL + `/post-` + n + `</link></item>`
		}
		body += `</channel></rss>`
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, &entries
}

func TestAddFeed(t *testing.T) {
	svc, _ := setupService(t)
	ts, _ := feedServer(t)
	ctx := context.Background()

	t.Run("new feed added", func(t *testing.T) {
		outcome, err := svc.AddFeed(ctx, ts.URL+"/feed.xml", false)
		require.NoError(t, err)
		assert.Equal(t, StatusAdded, outcome.Status)
		require.NotNil(t, outcome.Feed)
		assert.Equal(t, "Live Feed", outcome.Feed.Title())
		assert.Equal(t, int64(1), outcome.Feed.EntryCount)
	})

	t.Run("same url is a duplicate", func(t *testing.T) {
		outcome, err := svc.AddFeed(ctx, ts.URL+"/feed.xml", false)
		require.NoError(t, err)
		assert.Equal(t, StatusDuplicate, outcome.Status)
		require.NotNil(t, outcome.Feed)
	})

	t.Run("near-identical url flagged as similar", func(t *testing.T) {
		outcome, err := svc.AddFeed(ctx, ts.URL+"/feed.xml/", false)
		require.NoError(t, err)
		assert.Equal(t, StatusSimilar, outcome.Status)
		assert.Equal(t, ts.URL+"/feed.xml", outcome.SimilarFeedURL)
	})

	t.Run("force overrides similarity", func(t *testing.T) {
		outcome, err := svc.AddFeed(ctx, ts.URL+"/feed.xml/", true)
		require.NoError(t, err)
		assert.Equal(t, StatusAdded, outcome.Status)
	})
}

func TestAddFeedMultipleCandidates(t *testing.T) {
	svc, _ := setupService(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head>
			<link rel="alternate" type="application/rss+xml" href="/rss.xml">
			<link rel="alternate" type="application/atom+xml" href="/atom.xml">
		</head></html>`))
	}))
	defer ts.Close()

	outcome, err := svc.AddFeed(context.Background(), ts.URL, false)
	require.NoError(t, err)
	assert.Equal(t, StatusMultiple, outcome.Status)
	assert.Len(t, outcome.FeedURLs, 2)
	assert.Nil(t, outcome.Feed)
}

func TestSync(t *testing.T) {
	svc, repos := setupService(t)
	ts, entries := feedServer(t)
	ctx := context.Background()

	outcome, err := svc.AddFeed(ctx, ts.URL+"/feed.xml", false)
	require.NoError(t, err)
	feedID := outcome.Feed.ID

	t.Run("picks up new entries", func(t *testing.T) {
		entries.Store(2)

		updated, err := svc.Sync(ctx, feedID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.EntryCount)
		require.NotNil(t, updated.LastSyncResult)
		assert.Equal(t, domain.SyncSuccess, *updated.LastSyncResult)
	})

	t.Run("resync without changes stays stable", func(t *testing.T) {
		updated, err := svc.Sync(ctx, feedID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.EntryCount)
	})

	t.Run("locked feed rejected", func(t *testing.T) {
		require.True(t, svc.locks.tryLock(feedID))
		defer svc.locks.unlock(feedID)

		_, err := svc.Sync(ctx, feedID)
		require.ErrorIs(t, err, ErrSyncInProgress)
	})

	t.Run("unknown feed", func(t *testing.T) {
		_, err := svc.Sync(ctx, "no-such-feed")
		require.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("parse failure recorded", func(t *testing.T) {
		broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/rss+xml")
			_, _ = w.Write([]byte("<rss><channel><unclosed"))
		}))
		defer broken.Close()

		out, err := svc.AddFeed(ctx, ts.URL+"/feed.xml/", true) // second feed to break
		require.NoError(t, err)
		require.NoError(t, repos.Feed.UpdateFeed(ctx, out.Feed.ID, "", broken.URL+"/feed.xml", ""))

		_, err = svc.Sync(ctx, out.Feed.ID)
		require.Error(t, err)
		assert.Equal(t, feed.KindParseError, feed.KindOf(err))

		stored, err := repos.Feed.GetFeed(ctx, out.Feed.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.LastSyncResult)
		assert.Equal(t, domain.SyncParseError, *stored.LastSyncResult)

		// parse_error feeds are excluded from background re-sync
		ids, err := repos.Feed.FeedsToSync(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.NotContains(t, ids, out.Feed.ID)
	})
}

func TestSyncNeedsChoice(t *testing.T) {
	svc, repos := setupService(t)
	ts, _ := feedServer(t)
	ctx := context.Background()

	outcome, err := svc.AddFeed(ctx, ts.URL+"/feed.xml", false)
	require.NoError(t, err)

	ambiguous := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head>
			<link rel="alternate" type="application/rss+xml" href="/a.xml">
			<link rel="alternate" type="application/rss+xml" href="/b.xml">
		</head></html>`))
	}))
	defer ambiguous.Close()
	require.NoError(t, repos.Feed.UpdateFeed(ctx, outcome.Feed.ID, "", ambiguous.URL, ""))

	_, err = svc.Sync(ctx, outcome.Feed.ID)
	require.ErrorIs(t, err, ErrNeedsChoice)

	stored, err := repos.Feed.GetFeed(ctx, outcome.Feed.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSyncResult)
	assert.Equal(t, domain.SyncNeedsChoice, *stored.LastSyncResult)
}

func TestImportFeed(t *testing.T) {
	svc, _ := setupService(t)
	ts, _ := feedServer(t)
	ctx := context.Background()

	t.Run("new feed imported", func(t *testing.T) {
		status, reason := svc.ImportFeed(ctx, ts.URL+"/feed.xml")
		assert.Equal(t, domain.ItemImported, status)
		assert.Empty(t, reason)
	})

	t.Run("duplicate skipped", func(t *testing.T) {
		status, reason := svc.ImportFeed(ctx, ts.URL+"/feed.xml")
		assert.Equal(t, domain.ItemSkipped, status)
		assert.Equal(t, StatusDuplicate, reason)
	})

	t.Run("similar skipped", func(t *testing.T) {
		status, reason := svc.ImportFeed(ctx, ts.URL+"/feed.xml/")
		assert.Equal(t, domain.ItemSkipped, status)
		assert.Equal(t, StatusSimilar, reason)
	})

	t.Run("missing feed failed", func(t *testing.T) {
		status, reason := svc.ImportFeed(ctx, ts.URL+"/gone.xml")
		assert.Equal(t, domain.ItemFailed, status)
		assert.Equal(t, string(domain.SyncNotFound), reason)
	})
}

func TestIdentityKey(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{"scheme ignored", "https://example.com/feed", "http://example.com/feed", true},
		{"www stripped", "https://www.example.com/feed", "https://example.com/feed", true},
		{"trailing slash ignored", "https://example.com/feed/", "https://example.com/feed", true},
		{"case-insensitive host", "https://Example.COM/feed", "https://example.com/feed", true},
		{"different path", "https://example.com/feed", "https://example.com/rss", false},
		{"different query", "https://example.com/feed?x=1", "https://example.com/feed", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.same {
				assert.Equal(t, identityKey(tt.a), identityKey(tt.b))
				return
			}
			assert.NotEqual(t, identityKey(tt.a), identityKey(tt.b))
		})
	}
}

func TestKeyedLocks(t *testing.T) {
	locks := newKeyedLocks()

	require.True(t, locks.tryLock("a"))
	require.False(t, locks.tryLock("a"), "held key rejected")
	require.True(t, locks.tryLock("b"), "other keys independent")

	locks.unlock("a")
	require.True(t, locks.tryLock("a"), "released key reusable")
}
