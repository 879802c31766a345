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

// ImportRepository handles OPML import job persistence
type ImportRepository struct {
	db *sqlx.DB
}

// importJobSQL represents an import job row
type importJobSQL struct {
	ID        string     `db:"id"`
	Status    string     `db:"status"`
	Total     int64      `db:"total"`
	Imported  int64      `db:"imported"`
	Skipped   int64      `db:"skipped"`
	Failed    int64      `db:"failed"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`
}

// importItemSQL represents an import item row
type importItemSQL struct {
	ID        string     `db:"id"`
	JobID     string     `db:"job_id"`
	FeedURL   string     `db:"feed_url"`
	Status    string     `db:"status"`
	Error     *string    `db:"error"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`
}

// NewImportRepository creates a new import repository
func NewImportRepository(database *sqlx.DB) *ImportRepository {
	return &ImportRepository{db: database}
}

// CreateJob stores a new import job with all its items in one transaction.
// Items may be created directly in a terminal status, e.g. pre-skipped
// duplicates, and the matching counters are taken from the job argument.
func (r *ImportRepository) CreateJob(ctx context.Context, job domain.ImportJob, items []domain.ImportItem) error {
	return inTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		ts := now()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO import_jobs (id, status, total, imported, skipped, failed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Status, job.Total, job.Imported, job.Skipped, job.Failed, ts)
		if err != nil {
			return fmt.Errorf("create job: %w", err)
		}

		for _, item := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO import_items (id, job_id, feed_url, status, error, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				newID(), job.ID, item.FeedURL, item.Status, item.Error, ts)
			if err != nil {
				return fmt.Errorf("create item %s: %w", item.FeedURL, err)
			}
		}
		return nil
	})
}

// CompleteItem records the terminal status of one item and bumps the
// matching job counter in the same transaction, keeping the invariant
// imported+skipped+failed <= total observable at any moment
func (r *ImportRepository) CompleteItem(ctx context.Context, jobID, feedURL, status string, errMsg string) error {
	column := ""
	switch status {
	case domain.ItemImported:
		column = "imported"
	case domain.ItemSkipped:
		column = "skipped"
	case domain.ItemFailed:
		column = "failed"
	default:
		return fmt.Errorf("unexpected item status %q", status)
	}

	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}

	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))
	return retrier.Do(ctx, func() error {
		err := inTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
			ts := now()
			res, err := tx.ExecContext(ctx, `
				UPDATE import_items SET status = ?, error = ?, updated_at = ?
				WHERE job_id = ? AND feed_url = ? AND status = 'pending'`,
				status, errVal, ts, jobID, feedURL)
			if err != nil {
				return fmt.Errorf("update item: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if affected == 0 {
				return ErrNotFound
			}

			query := fmt.Sprintf("UPDATE import_jobs SET %s = %s + 1, updated_at = ? WHERE id = ?", column, column)
			if _, err := tx.ExecContext(ctx, query, ts, jobID); err != nil {
				return fmt.Errorf("bump counter: %w", err)
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
}

// FinishJob transitions a job to done
func (r *ImportRepository) FinishJob(ctx context.Context, jobID string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE import_jobs SET status = ?, updated_at = ? WHERE id = ?",
		domain.JobDone, now(), jobID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// GetJob retrieves an import job by ID
func (r *ImportRepository) GetJob(ctx context.Context, jobID string) (*domain.ImportJob, error) {
	var row importJobSQL
	err := r.db.GetContext(ctx, &row, "SELECT * FROM import_jobs WHERE id = ?", jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}

	job := toDomainJob(&row)
	return &job, nil
}

// RecentItems returns the most recently settled items of a job, newest first
func (r *ImportRepository) RecentItems(ctx context.Context, jobID string, limit int) ([]domain.ImportItem, error) {
	var rows []importItemSQL
	err := r.db.SelectContext(ctx, &rows, `
		SELECT * FROM import_items
		WHERE job_id = ? AND status != 'pending'
		ORDER BY coalesce(updated_at, created_at) DESC, id DESC
		LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent items: %w", err)
	}

	items := make([]domain.ImportItem, len(rows))
	for i, row := range rows {
		items[i] = domain.ImportItem{
			ID:        row.ID,
			JobID:     row.JobID,
			FeedURL:   row.FeedURL,
			Status:    row.Status,
			Error:     row.Error,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		}
	}
	return items, nil
}

func toDomainJob(row *importJobSQL) domain.ImportJob {
	return domain.ImportJob{
		ID:        row.ID,
		Status:    row.Status,
		Total:     row.Total,
		Imported:  row.Imported,
		Skipped:   row.Skipped,
		Failed:    row.Failed,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
