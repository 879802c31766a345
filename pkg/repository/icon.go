package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/umputun/refeed/pkg/domain"
)

// IconRepository handles icon-related database operations
type IconRepository struct {
	db *sqlx.DB
}

// iconSQL represents an icon row for SQL operations
type iconSQL struct {
	ID          string    `db:"id"`
	Hash        string    `db:"hash"`
	Data        []byte    `db:"data"`
	ContentType string    `db:"content_type"`
	CreatedAt   time.Time `db:"created_at"`
}

// NewIconRepository creates a new icon repository
func NewIconRepository(database *sqlx.DB) *IconRepository {
	return &IconRepository{db: database}
}

// GetByFeedID retrieves the icon linked to a feed
func (r *IconRepository) GetByFeedID(ctx context.Context, feedID string) (*domain.Icon, error) {
	var row iconSQL
	err := r.db.GetContext(ctx, &row, `
		SELECT i.* FROM icons i
		JOIN feeds_icons fi ON fi.icon_id = i.id
		WHERE fi.feed_id = ?`, feedID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get icon: %w", err)
	}

	return &domain.Icon{
		ID:          row.ID,
		Hash:        row.Hash,
		Data:        row.Data,
		ContentType: row.ContentType,
		CreatedAt:   row.CreatedAt,
	}, nil
}

// Count returns the number of stored icons
func (r *IconRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.GetContext(ctx, &count, "SELECT count(*) FROM icons"); err != nil {
		return 0, fmt.Errorf("count icons: %w", err)
	}
	return count, nil
}
