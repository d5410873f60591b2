package logstore

import (
	"context"
	"errors"

	"github.com/fieldhealth/changegate/internal/record"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrNotImplemented = errors.New("not implemented")
)

type ChangeRev struct {
	Rev string `json:"rev"`
}

// Change is one row of the changes log. Doc is populated only when the
// query asked for bodies.
type Change struct {
	ID      string           `json:"id"`
	Seq     int64            `json:"seq"`
	Deleted bool             `json:"deleted,omitempty"`
	Changes []ChangeRev      `json:"changes"`
	Doc     *record.Document `json:"doc,omitempty"`
}

type ChangesResponse struct {
	Results []Change `json:"results"`
	LastSeq int64    `json:"last_seq"`
}

type ChangesOptions struct {
	// Since is the cursor: only changes with a higher sequence are
	// returned. Zero means the beginning of the log.
	Since int64
	// Limit bounds the number of rows returned; zero means no bound.
	Limit int
	// DocIDs, when non-nil, restricts the response to these ids.
	DocIDs []string
	// Style is passed through for protocol compatibility. The log keeps
	// a single revision per change, so it does not alter results.
	Style string
	// IncludeDocs attaches full bodies to each row.
	IncludeDocs bool
	// Wait blocks until at least one row is available (or the context
	// is cancelled) instead of returning an empty response.
	Wait bool
}

// IndexRow is one row of the docs-by-replication-key secondary index.
type IndexRow struct {
	ID        string
	Subject   string
	Submitter string
}

// ContactRow is one row of the contacts-by-depth hierarchy index.
// SubmitterProxy carries the shortcode id associated with a
// report-bearing contact, used to widen unassigned-record scoping.
type ContactRow struct {
	ID             string
	Depth          int
	SubmitterProxy string
}

// DepthUnlimited asks hierarchy queries for the full descendant closure.
const DepthUnlimited = -1

// Store is the upstream append-only log and its secondary indexes. The
// log never physically deletes: deletions append a tombstone change.
type Store interface {
	// Put appends a new revision of doc to the log and returns the
	// sequence assigned to the change.
	Put(ctx context.Context, doc *record.Document) (int64, error)

	// Delete appends a tombstone for id.
	Delete(ctx context.Context, id string) (int64, error)

	// Changes runs one bounded read of the log.
	Changes(ctx context.Context, opts ChangesOptions) (*ChangesResponse, error)

	// Tail follows the log from since, invoking fn once per batch with
	// bodies attached, until the context is cancelled or fn or the
	// underlying read fails.
	Tail(ctx context.Context, since int64, fn func(batch *ChangesResponse) error) error

	// DocsByReplicationKey returns the index rows whose subject is in
	// subjects.
	DocsByReplicationKey(ctx context.Context, subjects []string) ([]IndexRow, error)

	// ContactsByDepth returns facilityID and its hierarchy descendants
	// down to depth generations (DepthUnlimited for the full closure).
	// Depth zero returns the facility alone.
	ContactsByDepth(ctx context.Context, facilityID string, depth int) ([]ContactRow, error)

	// CurrentSeq returns the sequence of the newest change, the "now"
	// cursor.
	CurrentSeq(ctx context.Context) (int64, error)

	Close() error
}
