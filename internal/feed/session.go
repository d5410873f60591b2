package feed

import (
	"context"
	"sync"

	"github.com/fieldhealth/changegate/internal/record"
)

// Feed types accepted on subscription requests. Longpoll, continuous
// and eventsource sessions are long-lived and registered with the
// registry; normal requests serve one cycle and end. Websocket is the
// continuous feed over a websocket transport.
const (
	FeedNormal      = "normal"
	FeedLongpoll    = "longpoll"
	FeedContinuous  = "continuous"
	FeedEventsource = "eventsource"
	FeedWebsocket   = "websocket"
)

// LongLived reports whether sessions of this feed type stay registered
// for live re-evaluation.
func LongLived(feedType string) bool {
	switch feedType {
	case FeedLongpoll, FeedContinuous, FeedEventsource, FeedWebsocket:
		return true
	}
	return false
}

// Hard cap on ancestor-walk iterations, independent of any configured
// depth: the document format does not forbid parent cycles.
const maxParentDepth = 100

// SessionParams are the subscriber-supplied query parameters for one
// subscription.
type SessionParams struct {
	Feed   string
	Since  int64
	Limit  int
	Style  string
	DocIDs []string
}

// ClassifiedChange is one new revision from the log watcher with its
// computed replication key.
type ClassifiedChange struct {
	ID      string
	Deleted bool
	Key     record.ReplicationKey
	Doc     *record.Document
}

// Session is the per-subscriber state of one subscription. It is owned
// by the connection that created it; once registered, the log watcher
// may additionally cancel its in-flight query and mark it for
// re-resolution, so all mutable state is guarded by the mutex.
type Session struct {
	Identity Identity
	Params   SessionParams

	mu          sync.Mutex
	depth       int
	subjects    []string
	subjectSet  map[string]struct{}
	validated   map[string]struct{}
	cursor      int64
	queryCancel context.CancelFunc
	invalidated bool
	closed      bool
	done        chan struct{}
}

func NewSession(ident Identity, params SessionParams) *Session {
	if params.Feed == "" {
		params.Feed = FeedNormal
	}
	return &Session{
		Identity: ident,
		Params:   params,
		cursor:   params.Since,
		done:     make(chan struct{}),
	}
}

// setResolution installs a freshly computed subject set and validated
// id set.
func (s *Session) setResolution(depth int, subjects []string, validated map[string]struct{}) {
	set := make(map[string]struct{}, len(subjects))
	for _, subject := range subjects {
		set[subject] = struct{}{}
	}
	s.mu.Lock()
	s.depth = depth
	s.subjects = subjects
	s.subjectSet = set
	s.validated = validated
	s.mu.Unlock()
}

// queryIDs returns the id set for the bounded changes query: validated
// ids plus any explicitly requested ids.
func (s *Session) queryIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.validated)+len(s.Params.DocIDs))
	for id := range s.validated {
		ids = append(ids, id)
	}
	for _, id := range s.Params.DocIDs {
		if _, ok := s.validated[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Session) isValidated(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.validated[id]
	return ok
}

func (s *Session) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Session) advanceCursor(seq int64) {
	s.mu.Lock()
	if seq > s.cursor {
		s.cursor = seq
	}
	s.mu.Unlock()
}

// beginQuery derives the cancellable context for one upstream query.
// Only one query is ever in flight per session.
func (s *Session) beginQuery(parent context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	ctx, cancel := context.WithCancel(parent)
	s.queryCancel = cancel
	return ctx, nil
}

func (s *Session) endQuery() {
	s.mu.Lock()
	if s.queryCancel != nil {
		s.queryCancel()
		s.queryCancel = nil
	}
	s.mu.Unlock()
}

// Invalidate is called by the log watcher when a newly relevant
// revision arrives: it cancels the in-flight query so the owning
// connection re-resolves and re-issues.
func (s *Session) Invalidate() {
	s.mu.Lock()
	if !s.closed {
		s.invalidated = true
		if s.queryCancel != nil {
			s.queryCancel()
		}
	}
	s.mu.Unlock()
}

// takeInvalidated consumes the pending re-resolution request.
func (s *Session) takeInvalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.invalidated
	s.invalidated = false
	return pending
}

// Close cancels any in-flight query and marks the session dead. It is
// idempotent; re-issuing a cycle on a closed session fails immediately
// with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.queryCancel != nil {
		s.queryCancel()
		s.queryCancel = nil
	}
	close(s.done)
	s.mu.Unlock()
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// newlyRelevant reports whether any revision in the batch should become
// visible to this session: not already validated, not sensitive, and
// either its subject is in the subject set or (for hierarchy documents)
// a bounded walk up its parent chain reaches one. The walk lets a
// newly created descendant place or person become visible without a
// full re-resolution of every session.
func (s *Session) newlyRelevant(revs []ClassifiedChange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, rev := range revs {
		if _, ok := s.validated[rev.ID]; ok {
			continue
		}
		if isSensitive(s.Identity.FacilityID, s.Identity.ContactID, s.subjectSet, rev.Key.Subject, rev.Key.Submitter) {
			continue
		}
		if _, ok := s.subjectSet[rev.Key.Subject]; ok {
			return true
		}
		if rev.Doc == nil || !record.IsContactType(rev.Doc.Type) {
			continue
		}
		steps := s.depth
		if steps == DepthUnlimited || steps > maxParentDepth {
			steps = maxParentDepth
		}
		parent := rev.Doc.Parent
		for i := 0; i < steps && parent != nil; i++ {
			if _, ok := s.subjectSet[parent.ID]; ok {
				return true
			}
			parent = parent.Parent
		}
	}
	return false
}
