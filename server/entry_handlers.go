package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/umputun/refeed/pkg/cursor"
	"github.com/umputun/refeed/pkg/repository"
)

// listEntriesHandler returns a keyset-paginated entry listing with optional
// filters
func (s *Server) listEntriesHandler(w http.ResponseWriter, r *http.Request) {
	q, err := entriesQueryFromRequest(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	s.renderEntriesPage(w, r, q)
}

// feedEntriesHandler is the per-feed variant of the entry listing
func (s *Server) feedEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.db.GetFeed(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			renderError(w, r, fmt.Errorf("feed not found"), http.StatusNotFound)
			return
		}
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	q, err := entriesQueryFromRequest(r)
	if err != nil {
		renderError(w, r, err, http.StatusBadRequest)
		return
	}
	q.FeedID = id
	s.renderEntriesPage(w, r, q)
}

func (s *Server) renderEntriesPage(w http.ResponseWriter, r *http.Request, q repository.EntriesQuery) {
	page, err := s.db.ListEntries(r.Context(), q)
	if err != nil {
		log.Printf("[ERROR] failed to list entries: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, page)
}

// entriesQueryFromRequest builds the listing query from URL parameters. A
// stale or malformed cursor token falls back to the start of the list, both
// cursors at once is a client error.
func entriesQueryFromRequest(r *http.Request) (repository.EntriesQuery, error) {
	params := r.URL.Query()
	q := repository.EntriesQuery{
		FeedID: params.Get("feed_id"),
		Search: params.Get("query"),
	}

	if v := params.Get("unread"); v != "" {
		q.Unread, _ = strconv.ParseBool(v)
	}
	if v := params.Get("starred"); v != "" {
		q.Starred, _ = strconv.ParseBool(v)
	}

	switch sort := params.Get("sort"); sort {
	case "", "newest", "oldest":
		q.Sort = sort
	default:
		return q, fmt.Errorf("invalid sort %q", sort)
	}

	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return q, fmt.Errorf("invalid limit %q", v)
		}
		q.Limit = limit
	}

	for name, dst := range map[string]**time.Time{"start": &q.Start, "end": &q.End} {
		if v := params.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return q, fmt.Errorf("invalid %s time %q", name, v)
			}
			*dst = &ts
		}
	}

	left, right := params.Get("left"), params.Get("right")
	if left != "" && right != "" {
		return q, fmt.Errorf("left and right cursors are mutually exclusive")
	}
	if left != "" {
		if pos, err := cursor.Decode(left); err == nil {
			q.Left = &pos
		}
	}
	if right != "" {
		if pos, err := cursor.Decode(right); err == nil {
			q.Right = &pos
		}
	}

	return q, nil
}

// readEntryHandler marks an entry read or unread
func (s *Server) readEntryHandler(w http.ResponseWriter, r *http.Request) {
	s.setEntryFlag(w, r, "read", s.db.SetRead)
}

// starEntryHandler stars or unstars an entry
func (s *Server) starEntryHandler(w http.ResponseWriter, r *http.Request) {
	s.setEntryFlag(w, r, "starred", s.db.SetStarred)
}

func (s *Server) setEntryFlag(w http.ResponseWriter, r *http.Request, field string,
	set func(ctx context.Context, id string, value bool) error) {

	ctx := r.Context()
	id := r.PathValue("id")

	var req map[string]bool
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderError(w, r, fmt.Errorf("invalid request body"), http.StatusBadRequest)
		return
	}
	value, ok := req[field]
	if !ok {
		renderError(w, r, fmt.Errorf("%s field is required", field), http.StatusBadRequest)
		return
	}

	if err := set(ctx, id, value); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			renderError(w, r, fmt.Errorf("entry not found"), http.StatusNotFound)
			return
		}
		log.Printf("[ERROR] failed to set %s on entry %s: %v", field, id, err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	entry, err := s.db.GetEntry(ctx, id)
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, entry)
}
