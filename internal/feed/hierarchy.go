package feed

import (
	"context"

	"github.com/fieldhealth/changegate/internal/logstore"
	"github.com/fieldhealth/changegate/internal/record"
)

// DepthUnlimited marks a subscriber with no configured depth limit.
// Unlimited is always this sentinel, never a large finite number, so
// index pagination limits cannot leak into correctness.
const DepthUnlimited = -1

// SettingsReader is the slice of the configuration collaborator the
// resolver consults. It is queried on every resolution; hierarchy
// results are never cached across resolutions.
type SettingsReader interface {
	DepthForRole(role string) (int, bool)
	UnallocatedAccess() bool
}

// Resolver computes the closed set of subject ids a subscriber may see.
type Resolver struct {
	store    logstore.Store
	settings SettingsReader
}

func NewResolver(store logstore.Store, settings SettingsReader) *Resolver {
	return &Resolver{store: store, settings: settings}
}

// Depth returns the effective replication depth for an identity: the
// maximum configured depth across its roles, or DepthUnlimited when no
// role has a configured depth.
func (r *Resolver) Depth(ident Identity) int {
	depth := 0
	configured := false
	for _, role := range ident.Roles {
		d, ok := r.settings.DepthForRole(role)
		if !ok {
			continue
		}
		if !configured || d > depth {
			depth = d
		}
		configured = true
	}
	if !configured {
		return DepthUnlimited
	}
	return depth
}

// SubjectSet resolves the ordered subject set for an identity. The
// global marker is always present; the unassigned marker only when the
// feature flag is enabled and the identity holds the permission. An
// identity with no facility sees global documents only.
func (r *Resolver) SubjectSet(ctx context.Context, ident Identity) ([]string, int, error) {
	depth := r.Depth(ident)
	if ident.FacilityID == "" {
		return []string{record.SubjectGlobal}, depth, nil
	}
	rows, err := r.store.ContactsByDepth(ctx, ident.FacilityID, depth)
	if err != nil {
		return nil, 0, err
	}
	subjects := make([]string, 0, len(rows)+3)
	seen := make(map[string]struct{}, len(rows)+3)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		subjects = append(subjects, id)
	}
	add(ident.FacilityID)
	// Depth zero still covers the subscriber's own contact record.
	add(ident.ContactID)
	for _, row := range rows {
		add(row.ID)
		add(row.SubmitterProxy)
	}
	add(record.SubjectGlobal)
	if r.settings.UnallocatedAccess() && ident.Can(PermViewUnallocated) {
		add(record.SubjectUnassigned)
	}
	return subjects, depth, nil
}
