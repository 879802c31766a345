package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/refeed/pkg/domain"
)

// sentinel errors for callers to branch on
var (
	ErrNotFound    = errors.New("not found")
	ErrSyncRunning = errors.New("sync already running")
)

// staleSyncAge is how long a sync claim is honored before another worker
// may take the feed over, protects against crashed workers leaving feeds
// claimed forever
const staleSyncAge = 5 * time.Minute

// FeedRepository handles feed-related database operations
type FeedRepository struct {
	db *sqlx.DB
}

// feedSQL represents a feed row for SQL operations
type feedSQL struct {
	ID             string     `db:"id"`
	SourceTitle    *string    `db:"source_title"`
	UserTitle      *string    `db:"user_title"`
	FeedURL        string     `db:"feed_url"`
	SiteURL        *string    `db:"site_url"`
	LastSyncedAt   *time.Time `db:"last_synced_at"`
	LastSyncResult *string    `db:"last_sync_result"`
	SyncStartedAt  *time.Time `db:"sync_started_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      *time.Time `db:"updated_at"`
}

// feedCountsSQL is a feed row joined with its counters
type feedCountsSQL struct {
	feedSQL
	EntryCount       int64 `db:"entry_count"`
	UnreadEntryCount int64 `db:"unread_entry_count"`
	HasIcon          bool  `db:"has_icon"`
}

// NewFeedRepository creates a new feed repository
func NewFeedRepository(database *sqlx.DB) *FeedRepository {
	return &FeedRepository{db: database}
}

const feedCountsSelect = `
	SELECT f.*,
		(SELECT count(*) FROM entries e WHERE e.feed_id = f.id) AS entry_count,
		(SELECT count(*) FROM entries e WHERE e.feed_id = f.id AND e.read_at IS NULL) AS unread_entry_count,
		EXISTS (SELECT 1 FROM feeds_icons fi WHERE fi.feed_id = f.id) AS has_icon
	FROM feeds f
`

// GetFeed retrieves a feed with its counters by ID
func (r *FeedRepository) GetFeed(ctx context.Context, id string) (*domain.FeedWithCounts, error) {
	var row feedCountsSQL
	err := r.db.GetContext(ctx, &row, feedCountsSelect+" WHERE f.id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	res := toDomainFeedWithCounts(&row)
	return &res, nil
}

// GetFeedByURL retrieves a feed by its exact feed URL
func (r *FeedRepository) GetFeedByURL(ctx context.Context, feedURL string) (*domain.Feed, error) {
	var row feedSQL
	err := r.db.GetContext(ctx, &row, "SELECT * FROM feeds WHERE feed_url = ?", feedURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed by url: %w", err)
	}
	feed := toDomainFeed(&row)
	return &feed, nil
}

// ListFeeds retrieves all feeds with counters, ordered by display title
func (r *FeedRepository) ListFeeds(ctx context.Context) ([]domain.FeedWithCounts, error) {
	query := feedCountsSelect + " ORDER BY coalesce(nullif(f.user_title, ''), f.source_title, f.feed_url) COLLATE NOCASE"

	var rows []feedCountsSQL
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}

	feeds := make([]domain.FeedWithCounts, len(rows))
	for i := range rows {
		feeds[i] = toDomainFeedWithCounts(&rows[i])
	}
	return feeds, nil
}

// ListFeedURLs returns all subscribed feed URLs
func (r *FeedRepository) ListFeedURLs(ctx context.Context) ([]string, error) {
	var urls []string
	if err := r.db.SelectContext(ctx, &urls, "SELECT feed_url FROM feeds ORDER BY feed_url"); err != nil {
		return nil, fmt.Errorf("list feed urls: %w", err)
	}
	return urls, nil
}

// ExistingFeedURLs returns the subset of the given URLs already subscribed
func (r *FeedRepository) ExistingFeedURLs(ctx context.Context, urls []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(urls) == 0 {
		return existing, nil
	}

	query, args, err := sqlx.In("SELECT feed_url FROM feeds WHERE feed_url IN (?)", urls)
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var found []string
	if err := r.db.SelectContext(ctx, &found, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("existing feed urls: %w", err)
	}

	for _, u := range found {
		existing[u] = struct{}{}
	}
	return existing, nil
}

// UpsertFeed stores a successfully fetched feed with its entries and icon in
// a single transaction. Re-syncing an unchanged feed is a no-op apart from
// refreshed timestamps. Returns the feed id.
func (r *FeedRepository) UpsertFeed(ctx context.Context, up domain.FeedUpsert) (string, error) {
	var feedID string
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	err := retrier.Do(ctx, func() error {
		err := inTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
			ts := now()

			err := tx.GetContext(ctx, &feedID, `
				INSERT INTO feeds (id, source_title, feed_url, site_url, last_synced_at, last_sync_result, created_at)
				VALUES (?, ?, ?, nullif(?, ''), ?, 'success', ?)
				ON CONFLICT(feed_url) DO UPDATE SET
					source_title = excluded.source_title,
					site_url = excluded.site_url,
					last_synced_at = excluded.last_synced_at,
					last_sync_result = 'success',
					sync_started_at = NULL,
					updated_at = excluded.last_synced_at
				RETURNING id`,
				newID(), up.SourceTitle, up.FeedURL, up.SiteURL, ts, ts)
			if err != nil {
				return fmt.Errorf("upsert feed: %w", err)
			}

			for _, e := range dedupEntries(up.Entries) {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO entries (id, feed_id, title, url, comments_url, published_at, entry_updated_at, created_at)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)
					ON CONFLICT(feed_id, url) DO UPDATE SET
						title = excluded.title,
						comments_url = excluded.comments_url,
						published_at = excluded.published_at,
						entry_updated_at = excluded.entry_updated_at,
						updated_at = ?`,
					newID(), feedID, e.Title, e.URL, e.CommentsURL,
					normalizeTime(e.PublishedAt), normalizeTime(e.EntryUpdatedAt), ts, ts)
				if err != nil {
					return fmt.Errorf("upsert entry %s: %w", e.URL, err)
				}
			}

			if up.Icon != nil {
				var iconID string
				err := tx.GetContext(ctx, &iconID, `
					INSERT INTO icons (id, hash, data, content_type, created_at)
					VALUES (?, ?, ?, ?, ?)
					ON CONFLICT(hash) DO UPDATE SET hash = excluded.hash
					RETURNING id`,
					newID(), up.Icon.Hash, up.Icon.Data, up.Icon.ContentType, ts)
				if err != nil {
					return fmt.Errorf("upsert icon: %w", err)
				}

				_, err = tx.ExecContext(ctx, `
					INSERT INTO feeds_icons (feed_id, icon_id) VALUES (?, ?)
					ON CONFLICT(feed_id) DO UPDATE SET icon_id = excluded.icon_id`,
					feedID, iconID)
				if err != nil {
					return fmt.Errorf("link icon: %w", err)
				}
			}

			return nil
		})
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return feedID, nil
}

// BeginSync claims a feed for syncing by setting its claim marker. Returns
// ErrSyncRunning if another worker holds a fresh claim and ErrNotFound if
// the feed does not exist.
func (r *FeedRepository) BeginSync(ctx context.Context, feedID string) (*domain.Feed, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE feeds SET sync_started_at = ?
		WHERE id = ? AND (sync_started_at IS NULL OR sync_started_at < ?)`,
		now(), feedID, now().Add(-staleSyncAge))
	if err != nil {
		return nil, fmt.Errorf("claim feed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}

	var row feedSQL
	err = r.db.GetContext(ctx, &row, "SELECT * FROM feeds WHERE id = ?", feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get claimed feed: %w", err)
	}

	if affected == 0 {
		return nil, ErrSyncRunning
	}

	feed := toDomainFeed(&row)
	return &feed, nil
}

// SetSyncResult records the outcome of a failed sync and releases the claim
func (r *FeedRepository) SetSyncResult(ctx context.Context, feedID string, result domain.SyncResult) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		_, err := r.db.ExecContext(ctx, `
			UPDATE feeds SET last_sync_result = ?, sync_started_at = NULL, updated_at = ?
			WHERE id = ?`, string(result), now(), feedID)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("set sync result: %w", err)}
		}
		return nil
	})
}

// FeedsToSync returns ids of feeds due for a background re-sync: synced
// before the cutoff (or never), not failed with a parse error, and not
// claimed by a live worker
func (r *FeedRepository) FeedsToSync(ctx context.Context, syncedBefore time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM feeds
		WHERE (last_sync_result IS NULL OR last_sync_result != 'parse_error')
		AND (sync_started_at IS NULL OR sync_started_at < ?)
		AND (last_synced_at IS NULL OR last_synced_at < ?)`,
		now().Add(-staleSyncAge), syncedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("feeds to sync: %w", err)
	}
	return ids, nil
}

// UpdateFeed applies user edits: display title, feed URL and site URL.
// An empty title clears the user override back to the source title.
func (r *FeedRepository) UpdateFeed(ctx context.Context, id, userTitle, feedURL, siteURL string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE feeds SET user_title = nullif(?, ''), feed_url = ?, site_url = nullif(?, ''), updated_at = ?
		WHERE id = ?`, userTitle, feedURL, siteURL, now(), id)
	if err != nil {
		return fmt.Errorf("update feed: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFeed removes a feed with its entries and icon link
func (r *FeedRepository) DeleteFeed(ctx context.Context, id string) error {
	return inTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE feed_id = ?", id); err != nil {
			return fmt.Errorf("delete entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM feeds_icons WHERE feed_id = ?", id); err != nil {
			return fmt.Errorf("delete icon link: %w", err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM feeds WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete feed: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// dedupEntries drops in-feed duplicates by entry URL keeping the first
// occurrence, avoids conflicting writes within a single upsert batch
func dedupEntries(entries []domain.EntryUpsert) []domain.EntryUpsert {
	seen := make(map[string]struct{}, len(entries))
	result := make([]domain.EntryUpsert, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.URL]; ok {
			continue
		}
		seen[e.URL] = struct{}{}
		result = append(result, e)
	}
	return result
}

func toDomainFeed(row *feedSQL) domain.Feed {
	feed := domain.Feed{
		ID:            row.ID,
		SourceTitle:   row.SourceTitle,
		UserTitle:     row.UserTitle,
		FeedURL:       row.FeedURL,
		SiteURL:       row.SiteURL,
		LastSyncedAt:  row.LastSyncedAt,
		SyncStartedAt: row.SyncStartedAt,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if row.LastSyncResult != nil {
		result := domain.SyncResult(*row.LastSyncResult)
		feed.LastSyncResult = &result
	}
	return feed
}

func toDomainFeedWithCounts(row *feedCountsSQL) domain.FeedWithCounts {
	return domain.FeedWithCounts{
		Feed:             toDomainFeed(&row.feedSQL),
		EntryCount:       row.EntryCount,
		UnreadEntryCount: row.UnreadEntryCount,
		HasIcon:          row.HasIcon,
	}
}
