package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/umputun/refeed/pkg/importer"
	"github.com/umputun/refeed/pkg/opml"
	"github.com/umputun/refeed/pkg/repository"
)

// importHandler accepts a multipart OPML upload and starts a background
// import job. The response carries the job id with the counts settled up
// front, progress is streamed separately.
func (s *Server) importHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.config.GetImportLimit()); err != nil {
		renderError(w, r, fmt.Errorf("invalid multipart form"), http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		file, _, err = r.FormFile("opml")
	}
	if err != nil {
		renderError(w, r, fmt.Errorf("file field is required"), http.StatusBadRequest)
		return
	}
	defer file.Close() //nolint:errcheck // read-only temp file

	data, err := io.ReadAll(io.LimitReader(file, s.config.GetImportLimit()))
	if err != nil {
		renderError(w, r, fmt.Errorf("read upload: %w", err), http.StatusBadRequest)
		return
	}

	job, err := s.importer.Start(r.Context(), data)
	if err != nil {
		// a broken OPML container or an empty one is a client error
		if errors.Is(err, importer.ErrNoFeeds) || errors.Is(err, opml.ErrMalformed) {
			renderError(w, r, err, http.StatusBadRequest)
			return
		}
		log.Printf("[ERROR] failed to start import: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	renderJSON(w, r, http.StatusAccepted, map[string]interface{}{
		"status":  "import_started",
		"job_id":  job.ID,
		"total":   job.Total,
		"skipped": job.Skipped,
	})
}

// importStatusHandler returns the stored snapshot of an import job
func (s *Server) importStatusHandler(w http.ResponseWriter, r *http.Request) {
	progress, err := s.importer.Snapshot(r.Context(), r.PathValue("job_id"))
	if errors.Is(err, repository.ErrNotFound) {
		renderError(w, r, fmt.Errorf("import job not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("[ERROR] failed to get import job: %v", err)
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}
	renderJSON(w, r, http.StatusOK, progress)
}

// importEventsHandler streams job progress as server-sent events. The stream
// ends after the done event; reconnecting clients get the current snapshot
// first so no terminal state is lost between streams.
func (s *Server) importEventsHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		renderError(w, r, fmt.Errorf("streaming not supported"), http.StatusInternalServerError)
		return
	}

	// subscribe before the snapshot so updates between the two are not lost
	updates, cancel := s.importer.Subscribe(jobID)
	defer cancel()

	snapshot, err := s.importer.Snapshot(r.Context(), jobID)
	if errors.Is(err, repository.ErrNotFound) {
		renderError(w, r, fmt.Errorf("import job not found"), http.StatusNotFound)
		return
	}
	if err != nil {
		renderError(w, r, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if !writeEvent(w, flusher, *snapshot) || snapshot.Done {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case p, open := <-updates:
			if !open {
				// job finished while we were attached, emit the final state
				final, err := s.importer.Snapshot(r.Context(), jobID)
				if err == nil {
					writeEvent(w, flusher, *final)
				}
				return
			}
			if !writeEvent(w, flusher, p) || p.Done {
				return
			}
		}
	}
}

// writeEvent sends one SSE data frame, false means the client went away
func writeEvent(w http.ResponseWriter, flusher http.Flusher, p importer.Progress) bool {
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("[ERROR] failed to marshal progress event: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
