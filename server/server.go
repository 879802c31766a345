// Package server exposes the HTTP API: feed subscription and discovery,
// entry listings with keyset pagination, OPML import/export and the import
// progress event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/refeed/pkg/domain"
	"github.com/umputun/refeed/pkg/importer"
	"github.com/umputun/refeed/pkg/repository"
	"github.com/umputun/refeed/pkg/syncer"
)

// Server represents HTTP server instance
type Server struct {
	config   ConfigProvider
	db       Database
	syncer   Syncer
	importer Importer
	version  string
	debug    bool

	lock       sync.Mutex
	httpServer *http.Server
	router     *routegroup.Bundle
}

// Database interface for server operations
type Database interface {
	ListFeeds(ctx context.Context) ([]domain.FeedWithCounts, error)
	GetFeed(ctx context.Context, id string) (*domain.FeedWithCounts, error)
	UpdateFeed(ctx context.Context, id, userTitle, feedURL, siteURL string) error
	DeleteFeed(ctx context.Context, id string) error
	ListEntries(ctx context.Context, q repository.EntriesQuery) (repository.EntriesPage, error)
	GetEntry(ctx context.Context, id string) (*domain.Entry, error)
	SetRead(ctx context.Context, id string, read bool) error
	SetStarred(ctx context.Context, id string, starred bool) error
	GetIconByFeedID(ctx context.Context, feedID string) (*domain.Icon, error)
}

// Syncer interface for on-demand feed operations
type Syncer interface {
	AddFeed(ctx context.Context, rawURL string, force bool) (*syncer.AddOutcome, error)
	Sync(ctx context.Context, feedID string) (*domain.FeedWithCounts, error)
}

// Importer interface for OPML import jobs
type Importer interface {
	Start(ctx context.Context, opmlData []byte) (*domain.ImportJob, error)
	Snapshot(ctx context.Context, jobID string) (*importer.Progress, error)
	Subscribe(jobID string) (ch <-chan importer.Progress, cancel func())
}

// ConfigProvider provides server configuration
type ConfigProvider interface {
	GetServerConfig() (listen string, timeout time.Duration)
	GetImportLimit() int64
}

// New initializes a new server instance
func New(cfg ConfigProvider, db Database, sync Syncer, imp Importer, version string, debug bool) *Server {
	s := &Server{
		config:   cfg,
		db:       db,
		syncer:   sync,
		importer: imp,
		version:  version,
		debug:    debug,
		router:   routegroup.New(http.NewServeMux()),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Run starts the HTTP server and handles graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	listen, timeout := s.config.GetServerConfig()
	log.Printf("[INFO] starting server on %s", listen)

	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:        listen,
		Handler:     s.router,
		ReadTimeout: timeout,
		// no write timeout, the import event stream stays open until the job ends
	}
	s.lock.Unlock()

	go func() {
		<-ctx.Done()
		log.Printf("[INFO] shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] server shutdown error: %v", err)
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}

// setupMiddleware configures standard middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(rest.AppInfo("refeed", "umputun", s.version))
	s.router.Use(rest.Ping)

	if s.debug {
		s.router.Use(logger.New(logger.Log(lgr.Default()), logger.Prefix("[DEBUG]")).Handler)
	}

	s.router.Use(rest.Recoverer(lgr.Default()))
	s.router.Use(rest.Throttle(100))
	s.router.Use(rest.SizeLimit(s.config.GetImportLimit())) // OPML uploads are the largest bodies
}

// setupRoutes configures application routes
func (s *Server) setupRoutes() {
	s.router.Mount("/v1").Route(func(r *routegroup.Bundle) {
		r.HandleFunc("GET /status", s.statusHandler)

		r.HandleFunc("GET /feeds", s.listFeedsHandler)
		r.HandleFunc("POST /feeds", s.addFeedHandler)
		r.HandleFunc("POST /feeds/import", s.importHandler)
		r.HandleFunc("GET /feeds/import/{job_id}/status", s.importStatusHandler)
		r.HandleFunc("GET /feeds/import/{job_id}/events", s.importEventsHandler)
		r.HandleFunc("GET /feeds/export", s.exportHandler)
		r.HandleFunc("GET /feeds/{id}", s.getFeedHandler)
		r.HandleFunc("PUT /feeds/{id}", s.updateFeedHandler)
		r.HandleFunc("DELETE /feeds/{id}", s.deleteFeedHandler)
		r.HandleFunc("POST /feeds/{id}/sync", s.syncFeedHandler)
		r.HandleFunc("GET /feeds/{id}/icon", s.feedIconHandler)
		r.HandleFunc("GET /feeds/{id}/entries", s.feedEntriesHandler)

		r.HandleFunc("GET /entries", s.listEntriesHandler)
		r.HandleFunc("POST /entries/{id}/read", s.readEntryHandler)
		r.HandleFunc("POST /entries/{id}/star", s.starEntryHandler)
	})
}

// statusHandler returns server status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"time":    time.Now().UTC(),
	}
	renderJSON(w, r, http.StatusOK, status)
}

// renderJSON sends JSON response
func renderJSON(w http.ResponseWriter, _ *http.Request, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("[ERROR] can't encode response to JSON: %v", err)
		}
	}
}

// renderError sends error response as JSON
func renderError(w http.ResponseWriter, r *http.Request, err error, code int) {
	errMsg := "unknown error"
	if err != nil {
		errMsg = err.Error()
	}
	renderJSON(w, r, code, map[string]string{"error": errMsg})
}
