package record

import "strings"

// Subject markers shared with the docs-by-replication-key index.
const (
	SubjectGlobal     = "_all"
	SubjectUnassigned = "_unassigned"
)

// ReplicationKey is the (subject, submitter) pair computed for a
// document. Subject is the entity the document is about and is the
// authorization key for visibility; Submitter is only consulted by the
// sensitivity check.
type ReplicationKey struct {
	Subject   string
	Submitter string
}

func (k ReplicationKey) Global() bool     { return k.Subject == SubjectGlobal }
func (k ReplicationKey) Unassigned() bool { return k.Subject == SubjectUnassigned }

// Ids that every authenticated subscriber may see regardless of
// hierarchy.
var globalDocIDs = map[string]struct{}{
	"resources":     {},
	"appcache":      {},
	"zscore-charts": {},
}

// Classify computes the replication key for a document. It is a pure
// function of the document's current field values and must stay in
// lock-step with the docs-by-replication-key index maintained by the
// log stores: both sides call this one implementation.
//
// Unrecognized document shapes classify as unassigned rather than
// failing; visibility of unassigned records is an opt-in permission.
func Classify(doc *Document) ReplicationKey {
	if doc == nil {
		return ReplicationKey{Subject: SubjectUnassigned}
	}
	if _, ok := globalDocIDs[doc.ID]; ok {
		return ReplicationKey{Subject: SubjectGlobal}
	}
	if strings.HasPrefix(doc.ID, "_design/") {
		return ReplicationKey{Subject: SubjectGlobal}
	}
	if doc.Type == TypeForm || doc.Type == TypeTranslations {
		return ReplicationKey{Subject: SubjectGlobal}
	}
	if IsContactType(doc.Type) {
		return ReplicationKey{Subject: doc.ID}
	}
	if doc.Type == TypeDataRecord {
		switch {
		case doc.Form != "":
			return classifyReport(doc)
		case len(doc.SMSMessage) > 0:
			// Inbound message: about whoever sent it.
			if doc.Contact != nil && doc.Contact.ID != "" {
				return ReplicationKey{Subject: doc.Contact.ID}
			}
		case doc.OutgoingMessage || len(doc.Tasks) > 0:
			// Outbound message: about the recipient of the first
			// message of the first task.
			if id := firstTaskContactID(doc.Tasks); id != "" {
				return ReplicationKey{Subject: id}
			}
		}
	}
	return ReplicationKey{Subject: SubjectUnassigned}
}

func classifyReport(doc *Document) ReplicationKey {
	subject := doc.PatientID
	if subject == "" && doc.Fields != nil {
		subject = doc.Fields.PatientID
	}
	if subject == "" {
		subject = doc.PlaceID
	}
	if subject == "" && doc.Fields != nil {
		subject = doc.Fields.PlaceID
	}
	if subject == "" && doc.Contact != nil {
		subject = doc.Contact.ID
	}
	if subject == "" {
		return ReplicationKey{Subject: SubjectUnassigned}
	}
	var submitter string
	if doc.Contact != nil {
		submitter = doc.Contact.ID
	}
	return ReplicationKey{Subject: subject, Submitter: submitter}
}

func firstTaskContactID(tasks []Task) string {
	if len(tasks) == 0 || len(tasks[0].Messages) == 0 {
		return ""
	}
	contact := tasks[0].Messages[0].Contact
	if contact == nil {
		return ""
	}
	return contact.ID
}
