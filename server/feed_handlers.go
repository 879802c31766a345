package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/umputun/refeed/pkg/feed"
	"github.com/umputun/refeed/pkg/opml"
	"github.com/umputun/refeed/pkg/repository"
	"github.com/umputun/refeed/pkg/syncer"
)

// addFeedHandler resolves a URL and subscribes to the feed behind it.
// Discovery outcomes are regular 200 responses, resolution failures map to
// HTTP codes by their kind.
func (s *Server) addFeedHandler(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		renderError(w, r, fmt.Errorf("url parameter is required"), http.StatusBadRequest)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force_similar_feed"))

	outcome, err := s.syncer.AddFeed(r.Context(), rawURL, force)
	if err != nil {
		renderResolveError(w, r, err)
		return
	}

	switch outcome.Status {
	case syncer.StatusAdded:
		renderJSON(w, r, http.StatusCreated, map[string]interface{}{
			"status": outcome.Status,
			"feed":   outcome.Feed,
		})
	case syncer.StatusDuplicate:
		renderJSON(w, r, http.StatusOK, map[string]interface{}{
			"status": outcome.Status,
			"feed":   outcome.Feed,
		})
	case syncer.StatusSimilar:
		renderJSON(w, r, http.StatusOK, map[string]interface{}{
			"status":           outcome.Status,
			"similar_feed_url": outcome.SimilarFeedURL,
		})
	case syncer.StatusMultiple:
		resp := map[string]interface{}{
			"status":    outcome.Status,
			"feed_urls": outcome.FeedURLs,
		}
		if outcome.SimilarFeedURL != "" {
			resp["similar_feed_url"] = outcome.SimilarFeedURL
		}
		renderJSON(w, r, http.StatusOK, resp)
	default:
		renderError(w, r, fmt.Errorf("unexpected status %s", outcome.Status), http.StatusInternalServerError)
	}
}

// listFeedsHandler returns all feeds with entry and unread counts
func (s *Server) listFeedsHandler(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.db.ListFeeds(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to list feeds: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, map[string]interface{}{"feeds": feeds})
}

// getFeedHandler returns one feed by id
func (s *Server) getFeedHandler(w http.ResponseWriter, r *http.Request) {
	fd, err := s.db.GetFeed(r.Context(), r.PathValue("id"))
	if errors.Is(err, repository.ErrNotFound) {
		renderError(w, r, fmt.Errorf("feed not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[ERROR] failed to get feed: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, fd)
}

// updateFeedHandler changes the user title, feed URL or site URL of a feed,
// fields left empty in the body keep their stored value
func (s *Server) updateFeedHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req struct {
		Title   string `json:"title"`
		FeedURL string `json:"feed_url"`
		SiteURL string `json:"site_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}

	current, err := s.db.GetFeed(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		renderError(w, r, fmt.Errorf("feed not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	if req.FeedURL == "" {
		req.FeedURL = current.FeedURL
	}
	if req.SiteURL == "" && current.SiteURL != nil {
		req.SiteURL = *current.SiteURL
	}

	if err := s.db.UpdateFeed(ctx, id, req.Title, req.FeedURL, req.SiteURL); err != nil {
		log.Printf("[ERROR] failed to update feed %s: %v", id, err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	updated, err := s.db.GetFeed(ctx, id)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, updated)
}

// deleteFeedHandler removes a feed with its entries and icon association
func (s *Server) deleteFeedHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.db.DeleteFeed(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		renderError(w, r, fmt.Errorf("feed not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[ERROR] failed to delete feed %s: %v", id, err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	log.Printf("[INFO] deleted feed %s", id)
	w.WriteHeader(http.StatusNoContent)
}

// syncFeedHandler triggers an immediate re-sync of one feed
func (s *Server) syncFeedHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	fd, err := s.syncer.Sync(r.Context(), id)
	switch {
	case err == nil:
		renderJSON(w, r, http.StatusOK, fd)
	case errors.Is(err, repository.ErrNotFound):
		renderError(w, r, fmt.Errorf("feed not found"), http.StatusNotFound)
	case errors.Is(err, syncer.ErrSyncInProgress):
		renderError(w, r, err, http.StatusConflict)
	case errors.Is(err, syncer.ErrNeedsChoice):
		renderError(w, r, err, http.StatusUnprocessableEntity)
	default:
		renderResolveError(w, r, err)
	}
}

// feedIconHandler serves the stored icon bytes of a feed
func (s *Server) feedIconHandler(w http.ResponseWriter, r *http.Request) {
	icon, err := s.db.GetIconByFeedID(r.Context(), r.PathValue("id"))
	if errors.Is(err, repository.ErrNotFound) {
		renderError(w, r, fmt.Errorf("icon not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[ERROR] failed to get icon: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", icon.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := w.Write(icon.Data); err != nil {
		log.Printf("[WARN] failed to write icon response: %v", err)
	}
}

// exportHandler renders all feeds as an OPML document
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	feeds, err := s.db.ListFeeds(r.Context())
	if err != nil {
		log.Printf("[ERROR] failed to list feeds for export: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	data, err := opml.Generate("refeed subscriptions", feeds)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/x-opml")
	w.Header().Set("Content-Disposition", `attachment; filename="subscriptions.opml"`)
	if _, err := w.Write(data); err != nil {
		log.Printf("[WARN] failed to write opml response: %v", err)
	}
}

// renderResolveError maps feed resolution failures to HTTP codes. Store
// failures are internal, everything else reports the resolution kind along
// with the message.
func renderResolveError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, syncer.ErrStore) {
		log.Printf("[ERROR] store failure: %v", err)
		renderError(w, r, fmt.Errorf("storage failure"), http.StatusInternalServerError)
		return
	}

	kind := feed.KindOf(err)
	code := http.StatusBadGateway
	switch kind {
	case feed.KindInvalidURL:
		code = http.StatusBadRequest
	case feed.KindDisallowed:
		code = http.StatusForbidden
	case feed.KindNotFound:
		code = http.StatusNotFound
	case feed.KindParseError, feed.KindUnexpectedHTML:
		code = http.StatusUnprocessableEntity
	case feed.KindFetchError:
		code = http.StatusBadGateway
	}

	renderJSON(w, r, code, map[string]string{"error": err.Error(), "kind": string(kind)})
}
