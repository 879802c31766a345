package domain

import "time"

// import job and item statuses
const (
	JobRunning = "running"
	JobDone    = "done"

	ItemPending  = "pending"
	ItemImported = "imported"
	ItemSkipped  = "skipped"
	ItemFailed   = "failed"
)

// ImportJob tracks the progress of one OPML import
type ImportJob struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Total     int64      `json:"total"`
	Imported  int64      `json:"imported"`
	Skipped   int64      `json:"skipped"`
	Failed    int64      `json:"failed"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// ImportItem is a single feed URL within an import job
type ImportItem struct {
	ID        string     `json:"-"`
	JobID     string     `json:"-"`
	FeedURL   string     `json:"feed_url"`
	Status    string     `json:"status"`
	Error     *string    `json:"error,omitempty"`
	CreatedAt time.Time  `json:"-"`
	UpdatedAt *time.Time `json:"-"`
}
