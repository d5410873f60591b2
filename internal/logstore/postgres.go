package logstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/fieldhealth/changegate/internal/record"
)

const (
	postgresChangesTable      = "changegate_changes"
	postgresDocumentsTable    = "changegate_documents"
	postgresReplicationTable  = "changegate_replication_keys"
	postgresContactsTable     = "changegate_contacts"
	postgresNotifyChannel     = "changegate_changes"
	postgresOperationTimeout  = 5 * time.Second
	postgresChangesPollDelay  = 250 * time.Millisecond
	postgresListenerPingDelay = 90 * time.Second
	postgresContactWalkCap    = 100
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps the log and both secondary indexes in Postgres.
// The replication-key index is written in the same transaction as the
// change row, using the shared classifier, so the index and the
// live-update path cannot drift.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					doc_id TEXT NOT NULL,
					rev TEXT NOT NULL,
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					body TEXT NOT NULL
				)`, postgresChangesTable),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_doc_id_seq_idx ON %s (doc_id, seq)",
				postgresChangesTable, postgresChangesTable),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					doc_id TEXT PRIMARY KEY,
					gen INT NOT NULL,
					rev TEXT NOT NULL,
					deleted BOOLEAN NOT NULL DEFAULT FALSE,
					body TEXT NOT NULL,
					updated_seq BIGINT NOT NULL
				)`, postgresDocumentsTable),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					doc_id TEXT PRIMARY KEY,
					subject TEXT NOT NULL,
					submitter TEXT NOT NULL DEFAULT ''
				)`, postgresReplicationTable),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_subject_idx ON %s (subject)",
				postgresReplicationTable, postgresReplicationTable),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					doc_id TEXT PRIMARY KEY,
					parent_id TEXT NOT NULL DEFAULT '',
					submitter_proxy TEXT NOT NULL DEFAULT ''
				)`, postgresContactsTable),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_parent_idx ON %s (parent_id)",
				postgresContactsTable, postgresContactsTable),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Put(ctx context.Context, doc *record.Document) (int64, error) {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return 0, ErrInvalidInput
	}
	clone, err := doc.Clone()
	if err != nil {
		return 0, err
	}
	return s.append(ctx, clone)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) (int64, error) {
	if strings.TrimSpace(id) == "" {
		return 0, ErrInvalidInput
	}
	return s.append(ctx, &record.Document{ID: id, Deleted: true})
}

func (s *PostgresStore) append(ctx context.Context, doc *record.Document) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var gen int
	query := fmt.Sprintf("SELECT gen FROM %s WHERE doc_id = $1 FOR UPDATE", postgresDocumentsTable)
	err = tx.QueryRowContext(ctx, query, doc.ID).Scan(&gen)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	gen++
	doc.Rev = revFor(doc.ID, gen)

	body, err := json.Marshal(doc)
	if err != nil {
		return 0, err
	}

	var seq int64
	insert := fmt.Sprintf(
		"INSERT INTO %s (doc_id, rev, deleted, body) VALUES ($1, $2, $3, $4) RETURNING seq",
		postgresChangesTable)
	if err := tx.QueryRowContext(ctx, insert, doc.ID, doc.Rev, doc.Deleted, string(body)).Scan(&seq); err != nil {
		return 0, err
	}

	upsert := fmt.Sprintf(`
		INSERT INTO %s (doc_id, gen, rev, deleted, body, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (doc_id)
		DO UPDATE SET gen = EXCLUDED.gen, rev = EXCLUDED.rev, deleted = EXCLUDED.deleted,
			body = EXCLUDED.body, updated_seq = EXCLUDED.updated_seq`, postgresDocumentsTable)
	if _, err := tx.ExecContext(ctx, upsert, doc.ID, gen, doc.Rev, doc.Deleted, string(body), seq); err != nil {
		return 0, err
	}

	if err := s.updateIndexesLocked(ctx, tx, doc); err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", postgresNotifyChannel, fmt.Sprintf("%d", seq)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return seq, nil
}

func (s *PostgresStore) updateIndexesLocked(ctx context.Context, tx *sql.Tx, doc *record.Document) error {
	if doc.Deleted {
		// Tombstones drop out of both indexes: the classifier cannot
		// categorize them and visibility of the deletion itself is
		// handled by the changes-query passthrough.
		drop := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", postgresReplicationTable)
		if _, err := tx.ExecContext(ctx, drop, doc.ID); err != nil {
			return err
		}
		drop = fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", postgresContactsTable)
		_, err := tx.ExecContext(ctx, drop, doc.ID)
		return err
	}

	key := record.Classify(doc)
	upsert := fmt.Sprintf(`
		INSERT INTO %s (doc_id, subject, submitter) VALUES ($1, $2, $3)
		ON CONFLICT (doc_id) DO UPDATE SET subject = EXCLUDED.subject, submitter = EXCLUDED.submitter`,
		postgresReplicationTable)
	if _, err := tx.ExecContext(ctx, upsert, doc.ID, key.Subject, key.Submitter); err != nil {
		return err
	}

	if record.IsContactType(doc.Type) {
		parentID := ""
		if doc.Parent != nil {
			parentID = doc.Parent.ID
		}
		upsert = fmt.Sprintf(`
			INSERT INTO %s (doc_id, parent_id, submitter_proxy) VALUES ($1, $2, $3)
			ON CONFLICT (doc_id) DO UPDATE SET parent_id = EXCLUDED.parent_id, submitter_proxy = EXCLUDED.submitter_proxy`,
			postgresContactsTable)
		_, err := tx.ExecContext(ctx, upsert, doc.ID, parentID, doc.PatientID)
		return err
	}
	drop := fmt.Sprintf("DELETE FROM %s WHERE doc_id = $1", postgresContactsTable)
	_, err := tx.ExecContext(ctx, drop, doc.ID)
	return err
}

func (s *PostgresStore) Changes(ctx context.Context, opts ChangesOptions) (*ChangesResponse, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	for {
		resp, err := s.readChanges(ctx, opts)
		if err != nil {
			return nil, err
		}
		if len(resp.Results) > 0 || !opts.Wait {
			return resp, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(postgresChangesPollDelay):
		}
	}
}

func (s *PostgresStore) readChanges(ctx context.Context, opts ChangesOptions) (*ChangesResponse, error) {
	query := fmt.Sprintf(`
		SELECT seq, doc_id, rev, deleted, body FROM (
			SELECT DISTINCT ON (doc_id) seq, doc_id, rev, deleted, body
			FROM %s
			WHERE seq > $1 AND ($2 OR doc_id = ANY($3))
			ORDER BY doc_id, seq DESC
		) latest
		ORDER BY seq ASC`, postgresChangesTable)
	allDocs := opts.DocIDs == nil
	rows, err := s.db.QueryContext(ctx, query, opts.Since, allDocs, pq.Array(opts.DocIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]Change, 0)
	for rows.Next() {
		var change Change
		var rev, body string
		if err := rows.Scan(&change.Seq, &change.ID, &rev, &change.Deleted, &body); err != nil {
			return nil, err
		}
		change.Changes = []ChangeRev{{Rev: rev}}
		if opts.IncludeDocs {
			var doc record.Document
			if err := json.Unmarshal([]byte(body), &doc); err != nil {
				return nil, err
			}
			change.Doc = &doc
		}
		results = append(results, change)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	last := opts.Since
	if len(results) > 0 {
		last = results[len(results)-1].Seq
	} else {
		current, err := s.CurrentSeq(ctx)
		if err != nil {
			return nil, err
		}
		last = current
	}
	return &ChangesResponse{Results: results, LastSeq: last}, nil
}

func (s *PostgresStore) Tail(ctx context.Context, since int64, fn func(batch *ChangesResponse) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	listener := pq.NewListener(s.dsn, 2*time.Second, time.Minute, nil)
	defer listener.Close()
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		return err
	}
	for {
		batch, err := s.readChanges(ctx, ChangesOptions{Since: since, IncludeDocs: true})
		if err != nil {
			return err
		}
		if len(batch.Results) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
			since = batch.LastSeq
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-listener.Notify:
			// Wake and re-read; a nil notification after a reconnect
			// also lands here, which forces a harmless re-read.
		case <-time.After(postgresListenerPingDelay):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

func (s *PostgresStore) DocsByReplicationKey(ctx context.Context, subjects []string) ([]IndexRow, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		"SELECT doc_id, subject, submitter FROM %s WHERE subject = ANY($1) ORDER BY doc_id",
		postgresReplicationTable)
	rows, err := s.db.QueryContext(ctx, query, pq.Array(subjects))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var row IndexRow
		if err := rows.Scan(&row.ID, &row.Subject, &row.Submitter); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ContactsByDepth(ctx context.Context, facilityID string, depth int) ([]ContactRow, error) {
	if strings.TrimSpace(facilityID) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	// The walk cap bounds the recursion independently of the requested
	// depth; the source data format does not forbid parent cycles.
	query := fmt.Sprintf(`
		WITH RECURSIVE descendants AS (
			SELECT c.doc_id, 0 AS depth, c.submitter_proxy
			FROM %[1]s c WHERE c.doc_id = $1
			UNION ALL
			SELECT c.doc_id, d.depth + 1, c.submitter_proxy
			FROM %[1]s c
			JOIN descendants d ON c.parent_id = d.doc_id
			WHERE ($2 < 0 OR d.depth + 1 <= $2) AND d.depth < $3
		)
		SELECT DISTINCT doc_id, depth, submitter_proxy FROM descendants
		ORDER BY depth, doc_id`, postgresContactsTable)
	rows, err := s.db.QueryContext(ctx, query, facilityID, depth, postgresContactWalkCap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContactRow
	for rows.Next() {
		var row ContactRow
		if err := rows.Scan(&row.ID, &row.Depth, &row.SubmitterProxy); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CurrentSeq(ctx context.Context) (int64, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COALESCE(MAX(seq), 0) FROM %s", postgresChangesTable)
	var seq int64
	if err := s.db.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
