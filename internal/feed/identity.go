package feed

// Named permissions resolved alongside the identity.
const (
	// PermViewUnallocated opts a subscriber in to records whose subject
	// could not be determined (together with the unallocated-access
	// feature flag).
	PermViewUnallocated = "can_view_unallocated_data_records"
	// PermBypassFiltering skips the filtering engine entirely; the
	// subscriber reads the raw upstream log.
	PermBypassFiltering = "can_access_directly"
)

// Identity is a subscriber's resolved place in the hierarchy, produced
// once per request from the authenticated session.
type Identity struct {
	Name        string
	Roles       []string
	FacilityID  string
	ContactID   string
	Permissions map[string]bool
}

func (i Identity) Can(permission string) bool {
	return i.Permissions[permission]
}

// UserDocID is the id of the subscriber's own identity document, always
// part of their validated set.
func UserDocID(name string) string {
	return "org.user:" + name
}

// BootstrapDocID is the client-application bootstrap document, visible
// to every subscriber.
const BootstrapDocID = "_design/app-client"
