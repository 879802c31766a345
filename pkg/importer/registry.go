package importer

import "sync"

// registry fans job progress out to SSE subscribers. Slow subscribers drop
// updates rather than block the import, the final snapshot is fetched from
// the store anyway.
type registry struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Progress
}

func newRegistry() *registry {
	return &registry{subs: make(map[string]map[int]chan Progress)}
}

// open registers a job so subscribers can attach while it runs
func (r *registry) open(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[jobID]; !ok {
		r.subs[jobID] = make(map[int]chan Progress)
	}
}

// subscribe attaches to a running job. For a job the registry does not track,
// i.e. already finished or never seen, the returned channel is closed so the
// caller falls through to the stored snapshot.
func (r *registry) subscribe(jobID string) (ch <-chan Progress, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners, ok := r.subs[jobID]
	if !ok {
		closed := make(chan Progress)
		close(closed)
		return closed, func() {}
	}

	id := r.next
	r.next++
	sub := make(chan Progress, 16)
	listeners[id] = sub

	return sub, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if listeners, ok := r.subs[jobID]; ok {
			delete(listeners, id)
		}
	}
}

// publish sends a progress update to all subscribers of a job, dropping the
// update for any subscriber with a full buffer
func (r *registry) publish(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs[p.JobID] {
		select {
		case sub <- p:
		default:
		}
	}
}

// close drops the job and terminates all its subscribers
func (r *registry) close(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs[jobID] {
		close(sub)
	}
	delete(r.subs, jobID)
}
