// Package importer runs OPML imports in the background and streams their
// progress to subscribers.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-pkgz/lgr"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/umputun/refeed/pkg/domain"
	"github.com/umputun/refeed/pkg/opml"
)

// ErrNoFeeds indicates an OPML document without a single usable feed URL
var ErrNoFeeds = errors.New("no feeds found in opml document")

// Store interface for import job persistence
type Store interface {
	CreateJob(ctx context.Context, job domain.ImportJob, items []domain.ImportItem) error
	CompleteItem(ctx context.Context, jobID, feedURL, status string, errMsg string) error
	FinishJob(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (*domain.ImportJob, error)
	RecentItems(ctx context.Context, jobID string, limit int) ([]domain.ImportItem, error)
}

// FeedStore checks which URLs are already subscribed
type FeedStore interface {
	ExistingFeedURLs(ctx context.Context, urls []string) (map[string]struct{}, error)
}

// Syncer subscribes a single feed on behalf of an import
type Syncer interface {
	ImportFeed(ctx context.Context, rawURL string) (status, reason string)
}

// Progress is a point-in-time view of a running or finished job
type Progress struct {
	JobID    string              `json:"job_id"`
	Status   string              `json:"status"`
	Total    int64               `json:"total"`
	Imported int64               `json:"imported"`
	Skipped  int64               `json:"skipped"`
	Failed   int64               `json:"failed"`
	Done     bool                `json:"done"`
	Recent   []domain.ImportItem `json:"recent,omitempty"`
}

// Importer creates import jobs from OPML documents and works through them
// with a bounded worker pool
type Importer struct {
	store    Store
	feeds    FeedStore
	syncer   Syncer
	workers  int
	registry *registry
	wg       sync.WaitGroup
}

// NewImporter creates an importer, workers caps concurrent feed fetches
func NewImporter(store Store, feeds FeedStore, syncer Syncer, workers int) *Importer {
	if workers <= 0 {
		workers = 4
	}
	return &Importer{store: store, feeds: feeds, syncer: syncer, workers: workers, registry: newRegistry()}
}

// Start parses an OPML document, creates the job and kicks off the background
// run. In-file duplicates and URLs already subscribed are settled as skipped
// right away, only the rest goes through the network.
func (i *Importer) Start(ctx context.Context, opmlData []byte) (*domain.ImportJob, error) {
	urls, err := opml.FeedURLs(opmlData)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, ErrNoFeeds
	}

	counts := make(map[string]int, len(urls))
	var distinct []string
	for _, u := range urls {
		counts[u]++
		if counts[u] == 1 {
			distinct = append(distinct, u)
		}
	}

	existing, err := i.feeds.ExistingFeedURLs(ctx, distinct)
	if err != nil {
		return nil, fmt.Errorf("check existing feeds: %w", err)
	}

	job := domain.ImportJob{
		ID:     ulid.Make().String(),
		Status: domain.JobRunning,
		Total:  int64(len(distinct)),
	}

	var items []domain.ImportItem
	var pending []string
	for _, u := range distinct {
		item := domain.ImportItem{FeedURL: u, Status: domain.ItemPending}
		_, subscribed := existing[u]
		switch {
		case subscribed:
			reason := "already subscribed"
			item.Status = domain.ItemSkipped
			item.Error = &reason
			job.Skipped++
		case counts[u] > 1:
			reason := "duplicate in file"
			item.Status = domain.ItemSkipped
			item.Error = &reason
			job.Skipped++
		default:
			pending = append(pending, u)
		}
		items = append(items, item)
	}

	if err := i.store.CreateJob(ctx, job, items); err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}

	i.registry.open(job.ID)
	i.wg.Add(1)
	go i.run(context.WithoutCancel(ctx), job.ID, pending)

	lgr.Printf("[INFO] import %s started, %d feeds, %d settled as skipped up front", job.ID, job.Total, job.Skipped)
	return &job, nil
}

// Snapshot returns the stored state of a job with its latest settled items
func (i *Importer) Snapshot(ctx context.Context, jobID string) (*Progress, error) {
	job, err := i.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	recent, err := i.store.RecentItems(ctx, jobID, 10)
	if err != nil {
		return nil, err
	}

	return &Progress{
		JobID:    job.ID,
		Status:   job.Status,
		Total:    job.Total,
		Imported: job.Imported,
		Skipped:  job.Skipped,
		Failed:   job.Failed,
		Done:     job.Status == domain.JobDone,
		Recent:   recent,
	}, nil
}

// Subscribe attaches to the live progress stream of a job. The channel closes
// when the job finishes, for an already finished job it is closed immediately.
func (i *Importer) Subscribe(jobID string) (ch <-chan Progress, cancel func()) {
	return i.registry.subscribe(jobID)
}

// Wait blocks until all running imports complete, used on shutdown
func (i *Importer) Wait() {
	i.wg.Wait()
}

// run works through the pending URLs of one job and finishes it
func (i *Importer) run(ctx context.Context, jobID string, pending []string) {
	defer i.wg.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.workers)

	for _, u := range pending {
		g.Go(func() error {
			status, reason := i.syncer.ImportFeed(gctx, u)
			if err := i.store.CompleteItem(gctx, jobID, u, status, reason); err != nil {
				lgr.Printf("[ERROR] import %s: failed to settle %s: %v", jobID, u, err)
				return nil
			}
			i.publishSnapshot(gctx, jobID)
			return nil
		})
	}
	_ = g.Wait() // workers report errors via item status, never abort the group

	if err := i.store.FinishJob(ctx, jobID); err != nil {
		lgr.Printf("[ERROR] import %s: failed to finish: %v", jobID, err)
	}
	i.publishSnapshot(ctx, jobID)
	i.registry.close(jobID)

	if job, err := i.store.GetJob(ctx, jobID); err == nil {
		lgr.Printf("[INFO] import %s done: %d imported, %d skipped, %d failed of %d",
			jobID, job.Imported, job.Skipped, job.Failed, job.Total)
	}
}

func (i *Importer) publishSnapshot(ctx context.Context, jobID string) {
	p, err := i.Snapshot(ctx, jobID)
	if err != nil {
		lgr.Printf("[WARN] import %s: snapshot failed: %v", jobID, err)
		return
	}
	i.registry.publish(*p)
}
