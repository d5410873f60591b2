package logstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/fieldhealth/changegate/internal/record"
)

// MemoryStore is an in-memory append-only log. It maintains both
// secondary indexes with the shared classifier, so the live-update path
// and the index agree by construction.
type MemoryStore struct {
	mu     sync.Mutex
	seq    int64
	log    []Change // ordered by Seq, bodies always attached
	docs   map[string]*record.Document
	gens   map[string]int
	notify chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   map[string]*record.Document{},
		gens:   map[string]int{},
		notify: make(chan struct{}),
	}
}

func (s *MemoryStore) Put(ctx context.Context, doc *record.Document) (int64, error) {
	if doc == nil || strings.TrimSpace(doc.ID) == "" {
		return 0, ErrInvalidInput
	}
	clone, err := doc.Clone()
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(clone), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (int64, error) {
	if strings.TrimSpace(id) == "" {
		return 0, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return 0, ErrNotFound
	}
	return s.appendLocked(&record.Document{ID: id, Deleted: true}), nil
}

func (s *MemoryStore) appendLocked(doc *record.Document) int64 {
	s.seq++
	s.gens[doc.ID]++
	doc.Rev = revFor(doc.ID, s.gens[doc.ID])
	s.docs[doc.ID] = doc
	s.log = append(s.log, Change{
		ID:      doc.ID,
		Seq:     s.seq,
		Deleted: doc.Deleted,
		Changes: []ChangeRev{{Rev: doc.Rev}},
		Doc:     doc,
	})
	close(s.notify)
	s.notify = make(chan struct{})
	return s.seq
}

func (s *MemoryStore) Changes(ctx context.Context, opts ChangesOptions) (*ChangesResponse, error) {
	var idSet map[string]struct{}
	if opts.DocIDs != nil {
		idSet = make(map[string]struct{}, len(opts.DocIDs))
		for _, id := range opts.DocIDs {
			idSet[id] = struct{}{}
		}
	}
	for {
		s.mu.Lock()
		results := s.collectLocked(opts, idSet)
		current := s.seq
		wake := s.notify
		s.mu.Unlock()

		if len(results) > 0 || !opts.Wait {
			last := current
			if len(results) > 0 {
				last = results[len(results)-1].Seq
			}
			return &ChangesResponse{Results: results, LastSeq: last}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (s *MemoryStore) collectLocked(opts ChangesOptions, idSet map[string]struct{}) []Change {
	// Report the newest change per document, in sequence order.
	latest := map[string]Change{}
	for _, change := range s.log {
		if change.Seq <= opts.Since {
			continue
		}
		if idSet != nil {
			if _, ok := idSet[change.ID]; !ok {
				continue
			}
		}
		latest[change.ID] = change
	}
	results := make([]Change, 0, len(latest))
	for _, change := range latest {
		if !opts.IncludeDocs {
			change.Doc = nil
		}
		results = append(results, change)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}

func (s *MemoryStore) Tail(ctx context.Context, since int64, fn func(batch *ChangesResponse) error) error {
	for {
		batch, err := s.Changes(ctx, ChangesOptions{Since: since, IncludeDocs: true, Wait: true})
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
		since = batch.LastSeq
	}
}

func (s *MemoryStore) DocsByReplicationKey(ctx context.Context, subjects []string) ([]IndexRow, error) {
	want := make(map[string]struct{}, len(subjects))
	for _, subject := range subjects {
		want[subject] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []IndexRow
	for _, doc := range s.docs {
		if doc.Deleted {
			continue
		}
		key := record.Classify(doc)
		if _, ok := want[key.Subject]; !ok {
			continue
		}
		rows = append(rows, IndexRow{ID: doc.ID, Subject: key.Subject, Submitter: key.Submitter})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *MemoryStore) ContactsByDepth(ctx context.Context, facilityID string, depth int) ([]ContactRow, error) {
	if strings.TrimSpace(facilityID) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	children := map[string][]string{}
	for _, doc := range s.docs {
		if doc.Deleted || !record.IsContactType(doc.Type) {
			continue
		}
		if doc.Parent != nil && doc.Parent.ID != "" {
			children[doc.Parent.ID] = append(children[doc.Parent.ID], doc.ID)
		}
	}

	var rows []ContactRow
	type frame struct {
		id    string
		depth int
	}
	seen := map[string]struct{}{}
	queue := []frame{{id: facilityID, depth: 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, ok := seen[cur.id]; ok {
			continue
		}
		seen[cur.id] = struct{}{}
		doc, ok := s.docs[cur.id]
		if !ok || doc.Deleted {
			continue
		}
		rows = append(rows, ContactRow{ID: cur.id, Depth: cur.depth, SubmitterProxy: doc.PatientID})
		if depth != DepthUnlimited && cur.depth >= depth {
			continue
		}
		for _, childID := range children[cur.id] {
			queue = append(queue, frame{id: childID, depth: cur.depth + 1})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Depth != rows[j].Depth {
			return rows[i].Depth < rows[j].Depth
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

func (s *MemoryStore) CurrentSeq(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func revFor(id string, gen int) string {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(id))
	_, _ = hasher.Write([]byte{0, byte(gen), byte(gen >> 8)})
	return fmt.Sprintf("%d-%012x", gen, hasher.Sum64()&0xffffffffffff)
}
