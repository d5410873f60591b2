package feed

import (
	"context"
	"testing"
	"time"

	"github.com/fieldhealth/changegate/internal/logstore"
	"github.com/fieldhealth/changegate/internal/record"
	"github.com/fieldhealth/changegate/internal/settings"
)

// A longpoll session must be woken when a doc newly enters its scope,
// re-resolve, and deliver it.
func TestWatcherPushesNewlyRelevantDoc(t *testing.T) {
	store := logstore.NewMemoryStore()
	seedTwoDistricts(t, store)
	engine := newTestEngine(t, store, settings.Settings{})
	registry := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher := NewWatcher(store, registry, 10*time.Millisecond)
	go watcher.Run(ctx)

	head, err := store.CurrentSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	session := NewSession(bobIdentity(), SessionParams{Feed: FeedLongpoll, Since: head})
	registry.Register(session)
	defer registry.Deregister(session)
	defer session.Close()

	results := make(chan *logstore.ChangesResponse, 1)
	errs := make(chan error, 1)
	go func() {
		resp, err := engine.Next(ctx, session, true)
		if err != nil {
			errs <- err
			return
		}
		results <- resp
	}()

	// Give the poll a moment to park, then add a clinic under bob's
	// district. The new clinic was not in the session's validated set
	// when the query was issued; only the watcher can surface it.
	time.Sleep(50 * time.Millisecond)
	if _, err := store.Put(context.Background(), &record.Document{
		ID: "clinic-new", Type: record.TypeClinic, Parent: &record.Parent{ID: "bobville"},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case resp := <-results:
		if !resultIDs(resp)["clinic-new"] {
			t.Fatalf("new clinic not delivered: %+v", resp.Results)
		}
	case err := <-errs:
		t.Fatalf("feed cycle failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("longpoll never woke for the new clinic")
	}
}

func TestWatcherIgnoresIrrelevantDocs(t *testing.T) {
	store := logstore.NewMemoryStore()
	seedTwoDistricts(t, store)
	registry := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher := NewWatcher(store, registry, 10*time.Millisecond)
	go watcher.Run(ctx)

	engine := newTestEngine(t, store, settings.Settings{})
	session := NewSession(bobIdentity(), SessionParams{Feed: FeedLongpoll})
	if err := engine.Resolve(ctx, session); err != nil {
		t.Fatal(err)
	}
	registry.Register(session)
	defer registry.Deregister(session)

	if _, err := store.Put(context.Background(), &record.Document{
		ID: "clinic-far", Type: record.TypeClinic, Parent: &record.Parent{ID: "steveville"},
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if session.takeInvalidated() {
		t.Fatal("session invalidated by a doc outside its hierarchy")
	}
}

func TestWatcherStatusTransitions(t *testing.T) {
	store := logstore.NewMemoryStore()
	registry := NewRegistry()
	watcher := NewWatcher(store, registry, 10*time.Millisecond)

	if st := watcher.Status(); st.State != WatcherIdle {
		t.Fatalf("initial state = %s", st.State)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go watcher.Run(ctx)

	deadline := time.After(2 * time.Second)
	for watcher.Status().State != WatcherTailing {
		select {
		case <-deadline:
			t.Fatal("watcher never started tailing")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	deadline = time.After(2 * time.Second)
	for watcher.Status().State != WatcherIdle {
		select {
		case <-deadline:
			t.Fatal("watcher never returned to idle after cancel")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWatcherSkipsClosedSessions(t *testing.T) {
	store := logstore.NewMemoryStore()
	seedTwoDistricts(t, store)
	registry := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher := NewWatcher(store, registry, 10*time.Millisecond)
	go watcher.Run(ctx)

	session := NewSession(bobIdentity(), SessionParams{Feed: FeedLongpoll})
	registry.Register(session)
	session.Close()

	if _, err := store.Put(context.Background(), &record.Document{
		ID: "clinic-late", Type: record.TypeClinic, Parent: &record.Parent{ID: "bobville"},
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if session.takeInvalidated() {
		t.Fatal("closed session was invalidated")
	}
}
