// Package syncer coordinates feed fetching with persistence: it resolves
// URLs into feeds, claims feeds for exclusive syncing and keeps them fresh
// with a background loop.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"

	"github.com/umputun/refeed/pkg/domain"
	"github.com/umputun/refeed/pkg/feed"
	"github.com/umputun/refeed/pkg/repository"
)

// outcome statuses for adding a feed
const (
	StatusAdded     = "feed_added"
	StatusDuplicate = "duplicate_feed"
	StatusSimilar   = "similar_feed"
	StatusMultiple  = "discovered_multiple"
)

// sentinel errors exposed to the HTTP layer
var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrNeedsChoice    = errors.New("feed url now serves an html page with multiple feed candidates")
	ErrStore          = errors.New("store failure")
)

// Resolver fetches and classifies a URL
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (feed.Result, error)
}

// Store interface for syncer operations
type Store interface {
	GetFeed(ctx context.Context, id string) (*domain.FeedWithCounts, error)
	GetFeedByURL(ctx context.Context, feedURL string) (*domain.Feed, error)
	ListFeedURLs(ctx context.Context) ([]string, error)
	UpsertFeed(ctx context.Context, up domain.FeedUpsert) (string, error)
	BeginSync(ctx context.Context, feedID string) (*domain.Feed, error)
	SetSyncResult(ctx context.Context, feedID string, result domain.SyncResult) error
	FeedsToSync(ctx context.Context, syncedBefore time.Time) ([]string, error)
}

// Config holds syncer configuration
type Config struct {
	CheckEvery     time.Duration // how often the background loop scans for due feeds
	ResyncInterval time.Duration // how old a successful sync may get before a re-sync
	MaxWorkers     int
}

// Service runs feed syncs, one at a time per feed
type Service struct {
	store          Store
	resolver       Resolver
	checkEvery     time.Duration
	resyncInterval time.Duration
	maxWorkers     int
	locks          *keyedLocks
	wg             sync.WaitGroup
	cancel         context.CancelFunc
}

// AddOutcome reports what happened when a URL was subscribed
type AddOutcome struct {
	Status         string
	Feed           *domain.FeedWithCounts
	FeedURLs       []string
	SimilarFeedURL string
}

// NewService creates a new sync service
func NewService(store Store, resolver Resolver, cfg Config) *Service {
	if cfg.CheckEvery == 0 {
		cfg.CheckEvery = time.Minute
	}
	if cfg.ResyncInterval == 0 {
		cfg.ResyncInterval = time.Hour
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 10
	}

	return &Service{
		store:          store,
		resolver:       resolver,
		checkEvery:     cfg.CheckEvery,
		resyncInterval: cfg.ResyncInterval,
		maxWorkers:     cfg.MaxWorkers,
		locks:          newKeyedLocks(),
	}
}

// AddFeed resolves a URL and subscribes to the feed behind it. With force
// set, a near-duplicate of an existing subscription is added anyway.
func (s *Service) AddFeed(ctx context.Context, rawURL string, force bool) (*AddOutcome, error) {
	res, err := s.resolver.Resolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	switch r := res.(type) {
	case *feed.ResultMultiple:
		outcome := &AddOutcome{Status: StatusMultiple, FeedURLs: r.FeedURLs}
		if similar, err := s.similarFeedURL(ctx, rawURL); err == nil {
			outcome.SimilarFeedURL = similar
		}
		return outcome, nil

	case *feed.ResultFeed:
		existing, err := s.store.GetFeedByURL(ctx, r.Feed.FeedURL)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: check duplicate: %v", ErrStore, err)
		}
		if existing != nil {
			counts, err := s.store.GetFeed(ctx, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: get duplicate: %v", ErrStore, err)
			}
			return &AddOutcome{Status: StatusDuplicate, Feed: counts}, nil
		}

		if !force {
			similar, err := s.similarFeedURL(ctx, r.Feed.FeedURL)
			if err != nil {
				return nil, fmt.Errorf("%w: similar lookup: %v", ErrStore, err)
			}
			if similar != "" {
				return &AddOutcome{Status: StatusSimilar, SimilarFeedURL: similar}, nil
			}
		}

		id, err := s.store.UpsertFeed(ctx, upsertFromResult(r, r.Feed.FeedURL))
		if err != nil {
			return nil, fmt.Errorf("%w: save feed: %v", ErrStore, err)
		}

		counts, err := s.store.GetFeed(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: load feed: %v", ErrStore, err)
		}

		lgr.Printf("[INFO] added feed %s (%s)", counts.Title(), r.Feed.FeedURL)
		return &AddOutcome{Status: StatusAdded, Feed: counts}, nil

	default:
		return nil, fmt.Errorf("unexpected resolve result %T", res)
	}
}

// Sync re-fetches one feed immediately. A second sync of the same feed is
// rejected with ErrSyncInProgress while the first one runs, both in-process
// via the keyed lock and cross-process via the claim marker.
func (s *Service) Sync(ctx context.Context, feedID string) (*domain.FeedWithCounts, error) {
	if !s.locks.tryLock(feedID) {
		return nil, ErrSyncInProgress
	}
	defer s.locks.unlock(feedID)

	claimed, err := s.store.BeginSync(ctx, feedID)
	if errors.Is(err, repository.ErrSyncRunning) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, err
	}

	res, err := s.resolver.Resolve(ctx, claimed.FeedURL)
	if err != nil {
		s.recordResult(ctx, feedID, domain.SyncResult(feed.KindOf(err)))
		return nil, err
	}

	switch r := res.(type) {
	case *feed.ResultMultiple:
		s.recordResult(ctx, feedID, domain.SyncNeedsChoice)
		return nil, ErrNeedsChoice

	case *feed.ResultFeed:
		// keep the stored feed_url as identity even if the fetch was redirected
		id, err := s.store.UpsertFeed(ctx, upsertFromResult(r, claimed.FeedURL))
		if err != nil {
			s.recordResult(ctx, feedID, domain.SyncDBError)
			return nil, fmt.Errorf("%w: save feed: %v", ErrStore, err)
		}
		return s.store.GetFeed(ctx, id)

	default:
		return nil, fmt.Errorf("unexpected resolve result %T", res)
	}
}

// ImportFeed subscribes one URL on behalf of a bulk OPML import and maps
// the outcome to an import item status. Ambiguous or near-duplicate feeds
// are skipped rather than failed, there is nobody to ask during an import.
func (s *Service) ImportFeed(ctx context.Context, rawURL string) (status, reason string) {
	outcome, err := s.AddFeed(ctx, rawURL, false)
	if err != nil {
		if errors.Is(err, ErrStore) {
			return domain.ItemFailed, string(domain.SyncDBError)
		}
		return domain.ItemFailed, string(feed.KindOf(err))
	}

	switch outcome.Status {
	case StatusAdded:
		return domain.ItemImported, ""
	case StatusDuplicate, StatusSimilar, StatusMultiple:
		return domain.ItemSkipped, outcome.Status
	default:
		return domain.ItemFailed, fmt.Sprintf("unexpected status %s", outcome.Status)
	}
}

// Start begins the background re-sync loop
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.syncWorker(ctx)

	lgr.Printf("[INFO] sync loop started, check every %v, resync after %v, %d workers",
		s.checkEvery, s.resyncInterval, s.maxWorkers)
}

// Stop gracefully stops the background loop
func (s *Service) Stop() {
	lgr.Printf("[INFO] stopping sync loop...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	lgr.Printf("[INFO] sync loop stopped")
}

// syncWorker periodically re-syncs feeds that have gone stale
func (s *Service) syncWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()

	// run immediately on start
	s.syncDueFeeds(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncDueFeeds(ctx)
		}
	}
}

// syncDueFeeds fetches all feeds past their resync interval with a bounded
// worker pool
func (s *Service) syncDueFeeds(ctx context.Context) {
	ids, err := s.store.FeedsToSync(ctx, time.Now().Add(-s.resyncInterval))
	if err != nil {
		lgr.Printf("[ERROR] failed to get feeds to sync: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	lgr.Printf("[INFO] syncing %d feeds", len(ids))

	sem := make(chan struct{}, s.maxWorkers)
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(feedID string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if _, err := s.Sync(ctx, feedID); err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					lgr.Printf("[DEBUG] feed %s already syncing", feedID)
					return
				}
				lgr.Printf("[WARN] sync of feed %s failed: %v", feedID, err)
			}
		}(id)
	}

	wg.Wait()
	lgr.Printf("[INFO] feed sync pass completed")
}

// recordResult stores a failed sync outcome, logging rather than failing on
// store errors since the original error matters more to the caller
func (s *Service) recordResult(ctx context.Context, feedID string, result domain.SyncResult) {
	if err := s.store.SetSyncResult(ctx, feedID, result); err != nil {
		lgr.Printf("[ERROR] failed to record sync result %s for feed %s: %v", result, feedID, err)
	}
}

// similarFeedURL finds a subscribed feed whose URL differs from the
// candidate only in scheme, www prefix or a trailing slash
func (s *Service) similarFeedURL(ctx context.Context, candidate string) (string, error) {
	key := identityKey(candidate)
	if key == "" {
		return "", nil
	}

	urls, err := s.store.ListFeedURLs(ctx)
	if err != nil {
		return "", err
	}

	for _, u := range urls {
		if identityKey(u) == key {
			return u, nil
		}
	}
	return "", nil
}

// identityKey reduces a URL to its feed identity: lowercased host without
// the www prefix plus path and query, no scheme, no trailing slash
func identityKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}

	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	key := host + strings.TrimSuffix(u.Path, "/")
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// upsertFromResult converts a resolved feed into the persistence payload,
// pinning the feed URL to the given identity
func upsertFromResult(r *feed.ResultFeed, feedURL string) domain.FeedUpsert {
	up := domain.FeedUpsert{
		SourceTitle: r.Feed.Title,
		FeedURL:     feedURL,
		SiteURL:     r.Feed.SiteURL,
	}

	for _, e := range r.Entries {
		up.Entries = append(up.Entries, domain.EntryUpsert{
			Title:          e.Title,
			URL:            e.URL,
			CommentsURL:    e.CommentsURL,
			PublishedAt:    e.PublishedAt,
			EntryUpdatedAt: e.EntryUpdatedAt,
		})
	}

	if r.Icon != nil {
		up.Icon = &domain.IconUpsert{Hash: r.Icon.Hash, Data: r.Icon.Data, ContentType: r.Icon.ContentType}
	}
	return up
}
