package logstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldhealth/changegate/internal/record"
)

func TestMemoryStorePutAssignsIncreasingSequences(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seq1, err := store.Put(ctx, &record.Document{ID: "a", Type: record.TypePerson})
	if err != nil {
		t.Fatalf("put a: %v", err)
	}
	seq2, err := store.Put(ctx, &record.Document{ID: "b", Type: record.TypePerson})
	if err != nil {
		t.Fatalf("put b: %v", err)
	}
	if seq2 <= seq1 {
		t.Fatalf("sequences not increasing: %d then %d", seq1, seq2)
	}
	if _, err := store.Put(ctx, &record.Document{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty id, got %v", err)
	}
}

func TestMemoryStoreChangesDedupesToNewestRevision(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Put(ctx, &record.Document{ID: "a", Type: record.TypePerson}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, &record.Document{ID: "b", Type: record.TypePerson}); err != nil {
		t.Fatal(err)
	}
	seq3, err := store.Put(ctx, &record.Document{ID: "a", Type: record.TypePerson, Name: "updated"})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := store.Changes(ctx, ChangesOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(resp.Results))
	}
	if resp.Results[1].ID != "a" || resp.Results[1].Seq != seq3 {
		t.Fatalf("expected newest revision of a last, got %+v", resp.Results[1])
	}
	if resp.LastSeq != seq3 {
		t.Fatalf("last_seq = %d, want %d", resp.LastSeq, seq3)
	}
}

func TestMemoryStoreChangesDocIDFilterAndSince(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seqA, _ := store.Put(ctx, &record.Document{ID: "a", Type: record.TypePerson})
	store.Put(ctx, &record.Document{ID: "b", Type: record.TypePerson})
	store.Put(ctx, &record.Document{ID: "c", Type: record.TypePerson})

	resp, err := store.Changes(ctx, ChangesOptions{DocIDs: []string{"b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "b" {
		t.Fatalf("doc_ids filter: got %+v", resp.Results)
	}

	resp, err = store.Changes(ctx, ChangesOptions{Since: seqA})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("since filter: expected 2 rows, got %d", len(resp.Results))
	}
	for _, change := range resp.Results {
		if change.Seq <= seqA {
			t.Fatalf("row %+v at or before since cursor", change)
		}
	}
}

func TestMemoryStoreDeleteAppendsTombstone(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &record.Document{ID: "a", Type: record.TypePerson})
	seq, err := store.Delete(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := store.Changes(ctx, ChangesOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || !resp.Results[0].Deleted || resp.Results[0].Seq != seq {
		t.Fatalf("expected tombstone at seq %d, got %+v", seq, resp.Results)
	}
	if _, err := store.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreWaitBlocksUntilMatchingChange(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	done := make(chan *ChangesResponse, 1)
	go func() {
		resp, err := store.Changes(ctx, ChangesOptions{DocIDs: []string{"wanted"}, Wait: true})
		if err != nil {
			t.Errorf("wait changes: %v", err)
			done <- nil
			return
		}
		done <- resp
	}()

	// An unrelated change must not release the waiter.
	store.Put(ctx, &record.Document{ID: "other", Type: record.TypePerson})
	select {
	case <-done:
		t.Fatal("waiter released by non-matching change")
	case <-time.After(50 * time.Millisecond):
	}

	seq, _ := store.Put(ctx, &record.Document{ID: "wanted", Type: record.TypePerson})
	select {
	case resp := <-done:
		if resp == nil || len(resp.Results) != 1 || resp.Results[0].Seq != seq {
			t.Fatalf("unexpected wait result: %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released")
	}
}

func TestMemoryStoreWaitHonorsContextCancel(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := store.Changes(ctx, ChangesOptions{Wait: true})
		errCh <- err
	}()
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released after cancel")
	}
}

func TestMemoryStoreDocsByReplicationKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &record.Document{ID: "clinic-1", Type: record.TypeClinic})
	store.Put(ctx, &record.Document{ID: "report-1", Type: record.TypeDataRecord, Form: "f", PatientID: "patient-1", Contact: &record.Contact{ID: "chw-1"}})
	store.Put(ctx, &record.Document{ID: "report-2", Type: record.TypeDataRecord, Form: "f", PatientID: "someone-else"})

	rows, err := store.DocsByReplicationKey(ctx, []string{"clinic-1", "patient-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", rows)
	}
	if rows[0].ID != "clinic-1" || rows[1].ID != "report-1" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
	if rows[1].Submitter != "chw-1" {
		t.Fatalf("expected submitter chw-1, got %+v", rows[1])
	}
}

func TestMemoryStoreDocsByReplicationKeySkipsDeleted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &record.Document{ID: "clinic-1", Type: record.TypeClinic})
	store.Delete(ctx, "clinic-1")

	rows, err := store.DocsByReplicationKey(ctx, []string{"clinic-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows for deleted doc, got %+v", rows)
	}
}

func TestMemoryStoreContactsByDepth(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &record.Document{ID: "district", Type: record.TypeDistrictHospital})
	store.Put(ctx, &record.Document{ID: "hc", Type: record.TypeHealthCenter, Parent: &record.Parent{ID: "district"}})
	store.Put(ctx, &record.Document{ID: "clinic", Type: record.TypeClinic, Parent: &record.Parent{ID: "hc"}})
	store.Put(ctx, &record.Document{ID: "chw", Type: record.TypePerson, Parent: &record.Parent{ID: "clinic"}})
	store.Put(ctx, &record.Document{ID: "other-district", Type: record.TypeDistrictHospital})

	cases := []struct {
		depth int
		want  []string
	}{
		{0, []string{"district"}},
		{1, []string{"district", "hc"}},
		{2, []string{"district", "hc", "clinic"}},
		{DepthUnlimited, []string{"district", "hc", "clinic", "chw"}},
	}
	for _, tc := range cases {
		rows, err := store.ContactsByDepth(ctx, "district", tc.depth)
		if err != nil {
			t.Fatalf("depth %d: %v", tc.depth, err)
		}
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		if len(ids) != len(tc.want) {
			t.Fatalf("depth %d: got %v, want %v", tc.depth, ids, tc.want)
		}
		for i, id := range tc.want {
			if ids[i] != id {
				t.Fatalf("depth %d: got %v, want %v", tc.depth, ids, tc.want)
			}
		}
	}
}

func TestMemoryStoreContactsByDepthSurvivesParentCycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &record.Document{ID: "a", Type: record.TypeClinic, Parent: &record.Parent{ID: "b"}})
	store.Put(ctx, &record.Document{ID: "b", Type: record.TypeClinic, Parent: &record.Parent{ID: "a"}})

	rows, err := store.ContactsByDepth(ctx, "a", DepthUnlimited)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected both nodes once, got %+v", rows)
	}
}

func TestMemoryStoreTailDeliversBatchesWithDocs(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store.Put(ctx, &record.Document{ID: "a", Type: record.TypePerson})

	batches := make(chan *ChangesResponse, 4)
	go func() {
		store.Tail(ctx, 0, func(batch *ChangesResponse) error {
			batches <- batch
			return nil
		})
	}()

	select {
	case batch := <-batches:
		if len(batch.Results) != 1 || batch.Results[0].Doc == nil {
			t.Fatalf("expected body-bearing batch, got %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no initial batch")
	}

	store.Put(ctx, &record.Document{ID: "b", Type: record.TypePerson})
	select {
	case batch := <-batches:
		if len(batch.Results) != 1 || batch.Results[0].ID != "b" {
			t.Fatalf("expected batch for b, got %+v", batch)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no follow-up batch")
	}
}
