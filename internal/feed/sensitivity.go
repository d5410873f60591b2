package feed

// isSensitive reports whether a document about subject, submitted by
// submitter, must be hidden from a subscriber whose own facility and
// contact ids are given. A document is sensitive only when it is about
// the subscriber themselves and was submitted by someone outside their
// subject set: a subscriber must not learn that a superior filed a
// report about them. Applied after, and independently of, subject-set
// membership filtering.
func isSensitive(facilityID, contactID string, subjects map[string]struct{}, subject, submitter string) bool {
	if subject == "" || submitter == "" {
		// Either not sure who it's about, or who submitted it.
		return false
	}
	if subject != facilityID && subject != contactID {
		// About a descendant, not about the subscriber.
		return false
	}
	_, visible := subjects[submitter]
	return !visible
}
