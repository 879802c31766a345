package server

import (
	"context"

	"github.com/umputun/refeed/pkg/domain"
	"github.com/umputun/refeed/pkg/repository"
)

// RepositoryAdapter bundles the per-table repositories behind the server's
// Database interface
type RepositoryAdapter struct {
	repos *repository.Repositories
}

// NewRepositoryAdapter creates an adapter over the repository set
func NewRepositoryAdapter(repos *repository.Repositories) *RepositoryAdapter {
	return &RepositoryAdapter{repos: repos}
}

// ListFeeds returns all feeds with counts
func (a *RepositoryAdapter) ListFeeds(ctx context.Context) ([]domain.FeedWithCounts, error) {
	return a.repos.Feed.ListFeeds(ctx)
}

// GetFeed returns one feed with counts
func (a *RepositoryAdapter) GetFeed(ctx context.Context, id string) (*domain.FeedWithCounts, error) {
	return a.repos.Feed.GetFeed(ctx, id)
}

// UpdateFeed changes feed fields
func (a *RepositoryAdapter) UpdateFeed(ctx context.Context, id, userTitle, feedURL, siteURL string) error {
	return a.repos.Feed.UpdateFeed(ctx, id, userTitle, feedURL, siteURL)
}

// DeleteFeed removes a feed with its entries
func (a *RepositoryAdapter) DeleteFeed(ctx context.Context, id string) error {
	return a.repos.Feed.DeleteFeed(ctx, id)
}

// ListEntries runs a paginated entry query
func (a *RepositoryAdapter) ListEntries(ctx context.Context, q repository.EntriesQuery) (repository.EntriesPage, error) {
	return a.repos.Entry.ListEntries(ctx, q)
}

// GetEntry returns one entry
func (a *RepositoryAdapter) GetEntry(ctx context.Context, id string) (*domain.Entry, error) {
	return a.repos.Entry.GetEntry(ctx, id)
}

// SetRead marks an entry read or unread
func (a *RepositoryAdapter) SetRead(ctx context.Context, id string, read bool) error {
	return a.repos.Entry.SetRead(ctx, id, read)
}

// SetStarred stars or unstars an entry
func (a *RepositoryAdapter) SetStarred(ctx context.Context, id string, starred bool) error {
	return a.repos.Entry.SetStarred(ctx, id, starred)
}

// GetIconByFeedID returns the icon linked to a feed
func (a *RepositoryAdapter) GetIconByFeedID(ctx context.Context, feedID string) (*domain.Icon, error) {
	return a.repos.Icon.GetByFeedID(ctx, feedID)
}
