package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fieldhealth/changegate/internal/record"
)

// FileStore layers JSON-file persistence over a MemoryStore for the
// durable-local profile. Every appended change is flushed to disk; the
// log is replayed on open.
type FileStore struct {
	path string
	mem  *MemoryStore

	saveMu sync.Mutex
}

type fileLogState struct {
	Changes []Change `json:"changes"`
}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &FileStore{path: path, mem: NewMemoryStore()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var state fileLogState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	for _, change := range state.Changes {
		if change.Doc == nil {
			continue
		}
		if _, err := s.mem.Put(context.Background(), change.Doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.mem.mu.Lock()
	state := fileLogState{Changes: append([]Change(nil), s.mem.log...)}
	s.mem.mu.Unlock()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Put(ctx context.Context, doc *record.Document) (int64, error) {
	seq, err := s.mem.Put(ctx, doc)
	if err != nil {
		return 0, err
	}
	if err := s.save(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) (int64, error) {
	seq, err := s.mem.Delete(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := s.save(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *FileStore) Changes(ctx context.Context, opts ChangesOptions) (*ChangesResponse, error) {
	return s.mem.Changes(ctx, opts)
}

func (s *FileStore) Tail(ctx context.Context, since int64, fn func(batch *ChangesResponse) error) error {
	return s.mem.Tail(ctx, since, fn)
}

func (s *FileStore) DocsByReplicationKey(ctx context.Context, subjects []string) ([]IndexRow, error) {
	return s.mem.DocsByReplicationKey(ctx, subjects)
}

func (s *FileStore) ContactsByDepth(ctx context.Context, facilityID string, depth int) ([]ContactRow, error) {
	return s.mem.ContactsByDepth(ctx, facilityID, depth)
}

func (s *FileStore) CurrentSeq(ctx context.Context) (int64, error) {
	return s.mem.CurrentSeq(ctx)
}

func (s *FileStore) Close() error {
	return nil
}
