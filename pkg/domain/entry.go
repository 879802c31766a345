package domain

import "time"

// Entry represents a single article from a feed
type Entry struct {
	ID             string     `json:"id"`
	FeedID         string     `json:"feed_id"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	CommentsURL    *string    `json:"comments_url"`
	ReadAt         *time.Time `json:"read_at"`
	StarredAt      *time.Time `json:"starred_at"`
	PublishedAt    *time.Time `json:"published_at"`
	EntryUpdatedAt *time.Time `json:"entry_updated_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
}

// OrderKey returns the timestamp entries are sorted by: published time when
// the feed provides one, falling back to the entry update time, then to the
// time we first stored the entry
func (e *Entry) OrderKey() time.Time {
	if e.PublishedAt != nil {
		return *e.PublishedAt
	}
	if e.EntryUpdatedAt != nil {
		return *e.EntryUpdatedAt
	}
	return e.CreatedAt
}

// EntryWithIcon is an entry annotated with its feed's icon availability
type EntryWithIcon struct {
	Entry
	HasIcon bool `json:"has_icon"`
}
