package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/umputun/refeed/pkg/cursor"
	"github.com/umputun/refeed/pkg/domain"
)

// pagination limits for entry listings
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// orderKey is the expression entries are sorted by, newest first by default.
// It must match the expression used in the idx_entries_order index.
const orderKey = "coalesce(e.published_at, e.entry_updated_at, e.created_at)"

// EntryRepository handles entry-related database operations
type EntryRepository struct {
	db *sqlx.DB
}

// EntriesQuery describes filters and pagination for a listing request.
// At most one of Left and Right is set: Right continues forward from the
// position, Left walks back to the previous page.
type EntriesQuery struct {
	FeedID  string
	Search  string
	Unread  bool
	Starred bool
	Start   *time.Time
	End     *time.Time
	Sort    string // "newest" (default) or "oldest"
	Limit   int
	Left    *cursor.Position
	Right   *cursor.Position
}

// EntriesPage is one page of entries with opaque continuation tokens,
// empty token means no page in that direction
type EntriesPage struct {
	Entries    []domain.EntryWithIcon `json:"entries"`
	NextCursor string                 `json:"next_cursor,omitempty"`
	PrevCursor string                 `json:"prev_cursor,omitempty"`
}

// entrySQL represents an entry row for SQL operations
type entrySQL struct {
	ID             string     `db:"id"`
	FeedID         string     `db:"feed_id"`
	Title          string     `db:"title"`
	URL            string     `db:"url"`
	CommentsURL    *string    `db:"comments_url"`
	ReadAt         *time.Time `db:"read_at"`
	StarredAt      *time.Time `db:"starred_at"`
	PublishedAt    *time.Time `db:"published_at"`
	EntryUpdatedAt *time.Time `db:"entry_updated_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      *time.Time `db:"updated_at"`
}

// entryIconSQL is an entry row with the icon flag of its feed
type entryIconSQL struct {
	entrySQL
	HasIcon bool `db:"has_icon"`
}

// NewEntryRepository creates a new entry repository
func NewEntryRepository(database *sqlx.DB) *EntryRepository {
	return &EntryRepository{db: database}
}

// ListEntries returns one page of entries matching the query. Pagination is
// keyset-based over (sort timestamp, id), so pages stay stable while new
// entries arrive.
func (r *EntryRepository) ListEntries(ctx context.Context, q EntriesQuery) (EntriesPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	displayDesc := q.Sort != "oldest"
	scanDesc := displayDesc
	if q.Left != nil {
		// walking back: scan in reverse display order, reverse rows afterwards
		scanDesc = !displayDesc
	}

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("e.id", "e.feed_id", "e.title", "e.url", "e.comments_url",
		"e.read_at", "e.starred_at", "e.published_at", "e.entry_updated_at",
		"e.created_at", "e.updated_at",
		"EXISTS (SELECT 1 FROM feeds_icons fi WHERE fi.feed_id = e.feed_id) AS has_icon")
	sb.From("entries e")

	if q.FeedID != "" {
		sb.Where(sb.Equal("e.feed_id", q.FeedID))
	}
	if q.Search != "" {
		pattern := "%" + q.Search + "%"
		sb.Where(sb.Or(sb.Like("e.title", pattern), sb.Like("e.url", pattern)))
	}
	if q.Unread {
		sb.Where("e.read_at IS NULL")
	}
	if q.Starred {
		sb.Where("e.starred_at IS NOT NULL")
	}
	if q.Start != nil {
		sb.Where(sb.GreaterEqualThan(orderKey, q.Start.UTC()))
	}
	if q.End != nil {
		sb.Where(sb.LessEqualThan(orderKey, q.End.UTC()))
	}

	if pos := q.Right; pos != nil {
		if displayDesc {
			sb.Where(sb.Or(
				sb.LessThan(orderKey, pos.Key),
				sb.And(sb.Equal(orderKey, pos.Key), sb.LessThan("e.id", pos.ID))))
		} else {
			sb.Where(sb.Or(
				sb.GreaterThan(orderKey, pos.Key),
				sb.And(sb.Equal(orderKey, pos.Key), sb.GreaterThan("e.id", pos.ID))))
		}
	}
	if pos := q.Left; pos != nil {
		if displayDesc {
			sb.Where(sb.Or(
				sb.GreaterThan(orderKey, pos.Key),
				sb.And(sb.Equal(orderKey, pos.Key), sb.GreaterThan("e.id", pos.ID))))
		} else {
			sb.Where(sb.Or(
				sb.LessThan(orderKey, pos.Key),
				sb.And(sb.Equal(orderKey, pos.Key), sb.LessThan("e.id", pos.ID))))
		}
	}

	dir := "ASC"
	if scanDesc {
		dir = "DESC"
	}
	sb.OrderBy(orderKey+" "+dir, "e.id "+dir)
	sb.Limit(limit + 1) // one extra row detects whether more pages exist

	query, args := sb.Build()

	var rows []entryIconSQL
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return EntriesPage{}, fmt.Errorf("list entries: %w", err)
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	if q.Left != nil {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	page := EntriesPage{Entries: make([]domain.EntryWithIcon, len(rows))}
	for i := range rows {
		page.Entries[i] = toDomainEntryWithIcon(&rows[i])
	}

	if len(rows) == 0 {
		return page, nil
	}

	first := &page.Entries[0].Entry
	last := &page.Entries[len(page.Entries)-1].Entry
	switch {
	case q.Left != nil:
		page.NextCursor = encodePosition(last)
		if hasMore {
			page.PrevCursor = encodePosition(first)
		}
	case q.Right != nil:
		page.PrevCursor = encodePosition(first)
		if hasMore {
			page.NextCursor = encodePosition(last)
		}
	default:
		if hasMore {
			page.NextCursor = encodePosition(last)
		}
	}

	return page, nil
}

// GetEntry retrieves a single entry by ID
func (r *EntryRepository) GetEntry(ctx context.Context, id string) (*domain.Entry, error) {
	var row entrySQL
	err := r.db.GetContext(ctx, &row, "SELECT * FROM entries WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	entry := toDomainEntry(&row)
	return &entry, nil
}

// SetRead marks an entry read or unread
func (r *EntryRepository) SetRead(ctx context.Context, id string, read bool) error {
	var readAt *time.Time
	if read {
		ts := now()
		readAt = &ts
	}
	return r.setEntryTimestamp(ctx, id, "read_at", readAt)
}

// SetStarred stars or unstars an entry
func (r *EntryRepository) SetStarred(ctx context.Context, id string, starred bool) error {
	var starredAt *time.Time
	if starred {
		ts := now()
		starredAt = &ts
	}
	return r.setEntryTimestamp(ctx, id, "starred_at", starredAt)
}

func (r *EntryRepository) setEntryTimestamp(ctx context.Context, id, column string, value *time.Time) error {
	query := fmt.Sprintf("UPDATE entries SET %s = ?, updated_at = ? WHERE id = ?", column)
	res, err := r.db.ExecContext(ctx, query, value, now(), id)
	if err != nil {
		return fmt.Errorf("update entry %s: %w", column, err)
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

// encodePosition builds an opaque cursor token for an entry
func encodePosition(e *domain.Entry) string {
	return cursor.Encode(cursor.Position{Key: e.OrderKey(), ID: e.ID})
}

func toDomainEntry(row *entrySQL) domain.Entry {
	return domain.Entry{
		ID:             row.ID,
		FeedID:         row.FeedID,
		Title:          row.Title,
		URL:            row.URL,
		CommentsURL:    row.CommentsURL,
		ReadAt:         row.ReadAt,
		StarredAt:      row.StarredAt,
		PublishedAt:    row.PublishedAt,
		EntryUpdatedAt: row.EntryUpdatedAt,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func toDomainEntryWithIcon(row *entryIconSQL) domain.EntryWithIcon {
	return domain.EntryWithIcon{Entry: toDomainEntry(&row.entrySQL), HasIcon: row.HasIcon}
}
