package settings

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseValidSettings(t *testing.T) {
	raw := []byte(`{
		"replication_depth": [
			{"role": "chw", "depth": 1},
			{"role": "supervisor", "depth": 3}
		],
		"unallocated_access": true,
		"changes": {"heartbeat_ms": 5000, "watcher_backoff_ms": 500}
	}`)
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.ReplicationDepth) != 2 || !parsed.UnallocatedAccess {
		t.Fatalf("unexpected settings: %+v", parsed)
	}
	if parsed.Changes.HeartbeatMS != 5000 {
		t.Fatalf("heartbeat_ms = %d", parsed.Changes.HeartbeatMS)
	}
}

func TestParseRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"negative depth", `{"replication_depth": [{"role": "chw", "depth": -1}]}`},
		{"missing role", `{"replication_depth": [{"depth": 1}]}`},
		{"unknown field", `{"replication_deth": []}`},
		{"wrong type", `{"unallocated_access": "yes"}`},
		{"not json", `{nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); !errors.Is(err, ErrInvalidSettings) {
				t.Fatalf("expected ErrInvalidSettings, got %v", err)
			}
		})
	}
}

func TestProviderDepthForRole(t *testing.T) {
	p := Static(Settings{ReplicationDepth: []RoleDepth{
		{Role: "chw", Depth: 1},
		{Role: "supervisor", Depth: 3},
	}})
	if depth, ok := p.DepthForRole("supervisor"); !ok || depth != 3 {
		t.Fatalf("supervisor: depth=%d ok=%v", depth, ok)
	}
	if _, ok := p.DepthForRole("admin"); ok {
		t.Fatal("unconfigured role reported as configured")
	}
}

func TestLoadMissingFileYieldsEmptySettings(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if p.UnallocatedAccess() {
		t.Fatal("expected flag off for empty settings")
	}
	if _, ok := p.DepthForRole("chw"); ok {
		t.Fatal("expected no configured depths")
	}
}

func TestReloadKeepsPreviousSettingsOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"unallocated_access": true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !p.UnallocatedAccess() {
		t.Fatal("initial load lost the flag")
	}

	if err := os.WriteFile(path, []byte(`{broken`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.Reload(); err == nil {
		t.Fatal("expected reload error for broken file")
	}
	if !p.UnallocatedAccess() {
		t.Fatal("failed reload clobbered previous settings")
	}
}

func TestWatcherBackoffDefault(t *testing.T) {
	p := Static(Settings{})
	if got := p.WatcherBackoff(); got != time.Second {
		t.Fatalf("default backoff = %s", got)
	}
	p = Static(Settings{Changes: Changes{WatcherBackoffMS: 250}})
	if got := p.WatcherBackoff(); got != 250*time.Millisecond {
		t.Fatalf("configured backoff = %s", got)
	}
}
