package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/fieldhealth/changegate/internal/logstore"
	"github.com/fieldhealth/changegate/internal/record"
)

// Watcher states reported on the admin surface.
const (
	WatcherIdle    = "idle"
	WatcherTailing = "tailing"
	WatcherBackoff = "backoff"
)

// Watcher is the process-wide follower of the upstream log. It
// classifies every new revision and invalidates any registered session
// the revision has become relevant to. It never filters on behalf of a
// session; it only tells the session's own connection to re-evaluate.
type Watcher struct {
	store    logstore.Store
	registry *Registry
	backoff  time.Duration

	mu      sync.Mutex
	state   string
	lastSeq int64
	lastErr error
}

func NewWatcher(store logstore.Store, registry *Registry, backoff time.Duration) *Watcher {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Watcher{
		store:    store,
		registry: registry,
		backoff:  backoff,
		state:    WatcherIdle,
	}
}

// Run follows the log until the context is cancelled. Tail failures are
// logged and retried after the backoff; the watcher resumes from the
// last sequence it processed, so a restart re-delivers at most the
// batch in flight when the tail broke.
func (w *Watcher) Run(ctx context.Context) {
	since, err := w.store.CurrentSeq(ctx)
	if err != nil {
		log.Printf("watcher: reading current sequence: %v", err)
	}
	w.setSeq(since)
	for {
		if ctx.Err() != nil {
			w.setState(WatcherIdle, nil)
			return
		}
		w.setState(WatcherTailing, nil)
		err := w.store.Tail(ctx, w.seq(), func(batch *logstore.ChangesResponse) error {
			w.dispatch(batch)
			w.setSeq(batch.LastSeq)
			return nil
		})
		if ctx.Err() != nil {
			w.setState(WatcherIdle, nil)
			return
		}
		log.Printf("watcher: tail failed, retrying in %s: %v", w.backoff, err)
		w.setState(WatcherBackoff, err)
		select {
		case <-ctx.Done():
			w.setState(WatcherIdle, nil)
			return
		case <-time.After(w.backoff):
		}
	}
}

// dispatch classifies the batch once and offers it to every registered
// session. Sessions judge relevance themselves under their own lock.
func (w *Watcher) dispatch(batch *logstore.ChangesResponse) {
	if len(batch.Results) == 0 {
		return
	}
	revs := make([]ClassifiedChange, 0, len(batch.Results))
	for _, change := range batch.Results {
		rev := ClassifiedChange{ID: change.ID, Deleted: change.Deleted, Doc: change.Doc}
		if change.Doc != nil {
			rev.Key = record.Classify(change.Doc)
		}
		revs = append(revs, rev)
	}
	for _, s := range w.registry.Snapshot() {
		if s.newlyRelevant(revs) {
			s.Invalidate()
		}
	}
}

// Status is the watcher's current state for the admin surface.
type Status struct {
	State    string `json:"state"`
	LastSeq  int64  `json:"last_seq"`
	LastErr  string `json:"last_error,omitempty"`
	Sessions int    `json:"sessions"`
}

func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{State: w.state, LastSeq: w.lastSeq, Sessions: w.registry.Len()}
	if w.lastErr != nil {
		st.LastErr = w.lastErr.Error()
	}
	return st
}

func (w *Watcher) setState(state string, err error) {
	w.mu.Lock()
	w.state = state
	w.lastErr = err
	w.mu.Unlock()
}

func (w *Watcher) setSeq(seq int64) {
	w.mu.Lock()
	if seq > w.lastSeq {
		w.lastSeq = seq
	}
	w.mu.Unlock()
}

func (w *Watcher) seq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}
