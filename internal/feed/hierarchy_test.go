package feed

import (
	"context"
	"testing"

	"github.com/fieldhealth/changegate/internal/logstore"
	"github.com/fieldhealth/changegate/internal/record"
	"github.com/fieldhealth/changegate/internal/settings"
)

func seedHierarchy(t *testing.T, store *logstore.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	docs := []*record.Document{
		{ID: "district", Type: record.TypeDistrictHospital},
		{ID: "hc", Type: record.TypeHealthCenter, Parent: &record.Parent{ID: "district"}},
		{ID: "clinic", Type: record.TypeClinic, Parent: &record.Parent{ID: "hc"}},
		{ID: "chw", Type: record.TypePerson, Parent: &record.Parent{ID: "clinic"}},
	}
	for _, doc := range docs {
		if _, err := store.Put(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolverDepthIsMaxAcrossRoles(t *testing.T) {
	provider := settings.Static(settings.Settings{ReplicationDepth: []settings.RoleDepth{
		{Role: "chw", Depth: 1},
		{Role: "supervisor", Depth: 3},
	}})
	r := NewResolver(logstore.NewMemoryStore(), provider)

	if got := r.Depth(Identity{Roles: []string{"chw", "supervisor"}}); got != 3 {
		t.Fatalf("depth = %d, want 3", got)
	}
	if got := r.Depth(Identity{Roles: []string{"chw"}}); got != 1 {
		t.Fatalf("depth = %d, want 1", got)
	}
	if got := r.Depth(Identity{Roles: []string{"admin"}}); got != DepthUnlimited {
		t.Fatalf("unconfigured role: depth = %d, want unlimited", got)
	}
}

func TestSubjectSetGrowsMonotonicallyWithDepth(t *testing.T) {
	store := logstore.NewMemoryStore()
	seedHierarchy(t, store)

	var prev map[string]struct{}
	for _, depth := range []int{0, 1, 2, DepthUnlimited} {
		provider := settings.Static(settings.Settings{})
		if depth != DepthUnlimited {
			provider = settings.Static(settings.Settings{ReplicationDepth: []settings.RoleDepth{{Role: "r", Depth: depth}}})
		}
		r := NewResolver(store, provider)
		subjects, _, err := r.SubjectSet(context.Background(), Identity{Name: "u", Roles: []string{"r"}, FacilityID: "district"})
		if err != nil {
			t.Fatalf("depth %d: %v", depth, err)
		}
		set := map[string]struct{}{}
		for _, subject := range subjects {
			set[subject] = struct{}{}
		}
		for subject := range prev {
			if _, ok := set[subject]; !ok {
				t.Fatalf("depth %d dropped subject %s", depth, subject)
			}
		}
		prev = set
	}
	if _, ok := prev["chw"]; !ok {
		t.Fatal("unlimited depth should reach the leaf person")
	}
}

func TestSubjectSetDepthZeroStillCoversOwnContact(t *testing.T) {
	store := logstore.NewMemoryStore()
	seedHierarchy(t, store)
	provider := settings.Static(settings.Settings{ReplicationDepth: []settings.RoleDepth{{Role: "r", Depth: 0}}})
	r := NewResolver(store, provider)

	subjects, depth, err := r.SubjectSet(context.Background(), Identity{
		Name: "u", Roles: []string{"r"}, FacilityID: "district", ContactID: "chw",
	})
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Fatalf("depth = %d", depth)
	}
	set := map[string]struct{}{}
	for _, subject := range subjects {
		set[subject] = struct{}{}
	}
	for _, want := range []string{"district", "chw", record.SubjectGlobal} {
		if _, ok := set[want]; !ok {
			t.Fatalf("missing subject %s in %v", want, subjects)
		}
	}
	if _, ok := set["hc"]; ok {
		t.Fatal("depth zero must not include descendants")
	}
}

func TestSubjectSetWithoutFacilitySeesGlobalOnly(t *testing.T) {
	store := logstore.NewMemoryStore()
	seedHierarchy(t, store)
	r := NewResolver(store, settings.Static(settings.Settings{}))

	subjects, _, err := r.SubjectSet(context.Background(), Identity{Name: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if len(subjects) != 1 || subjects[0] != record.SubjectGlobal {
		t.Fatalf("got %v, want only the global marker", subjects)
	}
}

func TestSubjectSetUnassignedNeedsFlagAndPermission(t *testing.T) {
	store := logstore.NewMemoryStore()
	seedHierarchy(t, store)

	cases := []struct {
		name string
		flag bool
		perm bool
		want bool
	}{
		{"neither", false, false, false},
		{"flag only", true, false, false},
		{"permission only", false, true, false},
		{"both", true, true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := settings.Static(settings.Settings{UnallocatedAccess: tc.flag})
			r := NewResolver(store, provider)
			ident := Identity{Name: "u", FacilityID: "district"}
			if tc.perm {
				ident.Permissions = map[string]bool{PermViewUnallocated: true}
			}
			subjects, _, err := r.SubjectSet(context.Background(), ident)
			if err != nil {
				t.Fatal(err)
			}
			var has bool
			for _, subject := range subjects {
				if subject == record.SubjectUnassigned {
					has = true
				}
			}
			if has != tc.want {
				t.Fatalf("unassigned marker present=%v, want %v", has, tc.want)
			}
		})
	}
}
