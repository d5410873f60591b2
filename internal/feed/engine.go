package feed

import (
	"context"
	"errors"
	"log"

	"github.com/fieldhealth/changegate/internal/logstore"
)

var (
	ErrSessionClosed = errors.New("session closed")
	// ErrMalformedUpstream marks an upstream changes response with no
	// results array. The payload is logged; subscribers get a retryable
	// error instead of a silently empty feed.
	ErrMalformedUpstream = errors.New("malformed upstream changes response")
)

// Engine runs the filtering cycle for sessions: resolve the subject
// set, validate the visible ids, run the bounded changes query, and
// post-filter the rows.
type Engine struct {
	store    logstore.Store
	resolver *Resolver
}

func NewEngine(store logstore.Store, resolver *Resolver) *Engine {
	return &Engine{store: store, resolver: resolver}
}

// Resolve recomputes the session's subject set and validated id set.
// The bootstrap document and the subscriber's own identity document are
// always validated, regardless of the index contents.
func (e *Engine) Resolve(ctx context.Context, s *Session) error {
	subjects, depth, err := e.resolver.SubjectSet(ctx, s.Identity)
	if err != nil {
		return err
	}
	subjectSet := make(map[string]struct{}, len(subjects))
	for _, subject := range subjects {
		subjectSet[subject] = struct{}{}
	}
	rows, err := e.store.DocsByReplicationKey(ctx, subjects)
	if err != nil {
		return err
	}
	validated := make(map[string]struct{}, len(rows)+2)
	for _, row := range rows {
		if isSensitive(s.Identity.FacilityID, s.Identity.ContactID, subjectSet, row.Subject, row.Submitter) {
			continue
		}
		validated[row.ID] = struct{}{}
	}
	validated[BootstrapDocID] = struct{}{}
	validated[UserDocID(s.Identity.Name)] = struct{}{}
	s.setResolution(depth, subjects, validated)
	return nil
}

// Query runs one bounded changes read for the session and post-filters
// the rows: a row survives if it is a deletion or its id is in the
// validated set. Deletions pass because subscribers must be able to
// purge documents they can no longer classify. The session cursor
// advances to the response's last sequence.
func (e *Engine) Query(ctx context.Context, s *Session, wait bool) (*logstore.ChangesResponse, error) {
	resp, err := e.store.Changes(ctx, logstore.ChangesOptions{
		Since:  s.Cursor(),
		Limit:  s.Params.Limit,
		DocIDs: s.queryIDs(),
		Style:  s.Params.Style,
		Wait:   wait,
	})
	if err != nil {
		return nil, err
	}
	if resp.Results == nil {
		log.Printf("malformed changes response for user %q: %+v", s.Identity.Name, resp)
		return nil, ErrMalformedUpstream
	}
	filtered := make([]logstore.Change, 0, len(resp.Results))
	for _, change := range resp.Results {
		if change.Deleted || s.isValidated(change.ID) {
			filtered = append(filtered, change)
		}
	}
	resp.Results = filtered
	s.advanceCursor(resp.LastSeq)
	return resp, nil
}

// Next serves one feed cycle: resolve if needed, query, and if the log
// watcher cancelled the query because a newly relevant revision
// arrived, re-resolve and re-issue from the same cursor. Cancellation
// of the parent context ends the cycle with its error.
func (e *Engine) Next(ctx context.Context, s *Session, wait bool) (*logstore.ChangesResponse, error) {
	for {
		if err := e.Resolve(ctx, s); err != nil {
			return nil, err
		}
		qctx, err := s.beginQuery(ctx)
		if err != nil {
			return nil, err
		}
		// An invalidation that landed between Resolve and beginQuery had
		// no query to cancel; catch it here so the wake is not lost.
		if s.takeInvalidated() {
			s.endQuery()
			continue
		}
		resp, err := e.Query(qctx, s, wait)
		s.endQuery()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The watcher cancels the in-flight query to force a fresh
		// resolution; anything else is a real failure.
		if qctx.Err() != nil && s.takeInvalidated() {
			continue
		}
		return nil, err
	}
}
