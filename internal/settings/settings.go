package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings is the runtime-mutable application configuration: the
// per-role replication depth table and the unallocated-records feature
// flag, plus changes-feed tuning.
type Settings struct {
	ReplicationDepth  []RoleDepth `json:"replication_depth,omitempty"`
	UnallocatedAccess bool        `json:"unallocated_access,omitempty"`
	Changes           Changes     `json:"changes,omitempty"`
}

type RoleDepth struct {
	Role  string `json:"role"`
	Depth int    `json:"depth"`
}

type Changes struct {
	HeartbeatMS      int `json:"heartbeat_ms,omitempty"`
	WatcherBackoffMS int `json:"watcher_backoff_ms,omitempty"`
}

const schemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"replication_depth": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"role": {"type": "string", "minLength": 1},
					"depth": {"type": "integer", "minimum": 0}
				},
				"required": ["role", "depth"],
				"additionalProperties": false
			}
		},
		"unallocated_access": {"type": "boolean"},
		"changes": {
			"type": "object",
			"properties": {
				"heartbeat_ms": {"type": "integer", "minimum": 0},
				"watcher_backoff_ms": {"type": "integer", "minimum": 100}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("settings.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = compiler.Compile("settings.schema.json")
	})
	return schema, schemaErr
}

// Parse validates raw against the settings schema and decodes it.
func Parse(raw []byte) (*Settings, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := sch.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	var parsed Settings
	if err := unmarshalStrict(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	return &parsed, nil
}

// Provider holds the current settings and answers per-resolution
// queries. Reload swaps the whole snapshot atomically; a failed reload
// keeps the previous settings.
type Provider struct {
	mu      sync.RWMutex
	path    string
	current Settings
}

// Static wraps fixed settings, for tests and for running without a
// settings file.
func Static(s Settings) *Provider {
	return &Provider{current: s}
}

// Load reads and validates the settings file at path. A missing file
// yields empty settings (no depth limits, flag off).
func Load(path string) (*Provider, error) {
	p := &Provider{path: strings.TrimSpace(path)}
	if p.path == "" {
		return p, nil
	}
	if err := p.Reload(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
		return nil, err
	}
	return p, nil
}

func (p *Provider) Reload() error {
	if p.path == "" {
		return nil
	}
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.current = *parsed
	p.mu.Unlock()
	return nil
}

// DepthForRole returns the configured replication depth for role.
func (p *Provider) DepthForRole(role string) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, entry := range p.current.ReplicationDepth {
		if entry.Role == role {
			return entry.Depth, true
		}
	}
	return 0, false
}

func (p *Provider) UnallocatedAccess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current.UnallocatedAccess
}

// DefaultHeartbeat returns the configured heartbeat interval, or zero
// when heartbeats are request-driven only.
func (p *Provider) DefaultHeartbeat() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.current.Changes.HeartbeatMS) * time.Millisecond
}

func (p *Provider) WatcherBackoff() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current.Changes.WatcherBackoffMS <= 0 {
		return time.Second
	}
	return time.Duration(p.current.Changes.WatcherBackoffMS) * time.Millisecond
}

func unmarshalStrict(raw []byte, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

// Snapshot returns a copy of the current settings.
func (p *Provider) Snapshot() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := p.current
	out.ReplicationDepth = append([]RoleDepth(nil), p.current.ReplicationDepth...)
	return out
}
