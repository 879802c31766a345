package domain

import "time"

// SyncResult is the recorded outcome of the latest sync attempt for a feed
type SyncResult string

// sync result kinds, stored in feeds.last_sync_result and reported via the API
const (
	SyncSuccess        SyncResult = "success"
	SyncParseError     SyncResult = "parse_error"
	SyncNotFound       SyncResult = "not_found"
	SyncDisallowed     SyncResult = "disallowed"
	SyncNeedsChoice    SyncResult = "needs_choice"
	SyncUnexpectedHTML SyncResult = "unexpected_html"
	SyncInvalidURL     SyncResult = "invalid_url"
	SyncFetchError     SyncResult = "fetch_error"
	SyncDBError        SyncResult = "db_error"
)

// Feed represents a subscribed feed source
type Feed struct {
	ID             string      `json:"id"`
	SourceTitle    *string     `json:"source_title"`
	UserTitle      *string     `json:"user_title"`
	FeedURL        string      `json:"feed_url"`
	SiteURL        *string     `json:"site_url"`
	LastSyncedAt   *time.Time  `json:"last_synced_at"`
	LastSyncResult *SyncResult `json:"last_sync_result"`
	SyncStartedAt  *time.Time  `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      *time.Time  `json:"updated_at"`
}

// Title returns the display title, preferring the user-assigned one
func (f *Feed) Title() string {
	if f.UserTitle != nil && *f.UserTitle != "" {
		return *f.UserTitle
	}
	if f.SourceTitle != nil {
		return *f.SourceTitle
	}
	return ""
}

// FeedWithCounts is a feed together with its entry counters and icon flag
type FeedWithCounts struct {
	Feed
	EntryCount       int64 `json:"entry_count"`
	UnreadEntryCount int64 `json:"unread_entry_count"`
	HasIcon          bool  `json:"has_icon"`
}

// FeedUpsert is the payload applied atomically after a successful fetch:
// feed metadata, parsed entries and the discovered icon, all in one transaction
type FeedUpsert struct {
	SourceTitle string
	FeedURL     string
	SiteURL     string
	Entries     []EntryUpsert
	Icon        *IconUpsert
}

// EntryUpsert is a single parsed entry to be inserted or refreshed
type EntryUpsert struct {
	Title          string
	URL            string
	CommentsURL    *string
	PublishedAt    *time.Time
	EntryUpdatedAt *time.Time
}

// IconUpsert is a fetched icon keyed by the hash of its bytes
type IconUpsert struct {
	Hash        string
	Data        []byte
	ContentType string
}
