package record

import "encoding/json"

const (
	TypeDataRecord       = "data_record"
	TypePerson           = "person"
	TypeClinic           = "clinic"
	TypeHealthCenter     = "health_center"
	TypeDistrictHospital = "district_hospital"
	TypeForm             = "form"
	TypeTranslations     = "translations"
)

var contactTypes = map[string]struct{}{
	TypePerson:           {},
	TypeClinic:           {},
	TypeHealthCenter:     {},
	TypeDistrictHospital: {},
}

// IsContactType reports whether documents of this type participate in the
// place/person hierarchy.
func IsContactType(docType string) bool {
	_, ok := contactTypes[docType]
	return ok
}

type Contact struct {
	ID     string  `json:"_id,omitempty"`
	Name   string  `json:"name,omitempty"`
	Parent *Parent `json:"parent,omitempty"`
}

// Parent is one link of a document's ownership chain. The chain is not
// structurally guaranteed to be acyclic or bounded; walkers must cap
// their own iteration.
type Parent struct {
	ID     string  `json:"_id,omitempty"`
	Parent *Parent `json:"parent,omitempty"`
}

type Fields struct {
	PatientID string `json:"patient_id,omitempty"`
	PlaceID   string `json:"place_id,omitempty"`
}

type Message struct {
	Contact *Contact `json:"contact,omitempty"`
	Message string   `json:"message,omitempty"`
}

type Task struct {
	State    string    `json:"state,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// Document is a decoded revision body from the upstream log. Only the
// fields that drive classification and hierarchy resolution are modeled;
// everything else rides along in the raw body.
type Document struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev,omitempty"`
	Deleted bool   `json:"_deleted,omitempty"`
	Type    string `json:"type,omitempty"`

	// Report fields. Form is the form code; a data_record with a form
	// code is a report.
	Form      string  `json:"form,omitempty"`
	PatientID string  `json:"patient_id,omitempty"`
	PlaceID   string  `json:"place_id,omitempty"`
	Fields    *Fields `json:"fields,omitempty"`
	Contact   *Contact `json:"contact,omitempty"`

	// Message fields. SMSMessage marks an inbound message; Tasks carry
	// outbound messages.
	SMSMessage      json.RawMessage `json:"sms_message,omitempty"`
	OutgoingMessage bool            `json:"outgoing_message,omitempty"`
	Tasks           []Task          `json:"tasks,omitempty"`

	// Hierarchy fields.
	Name   string  `json:"name,omitempty"`
	Parent *Parent `json:"parent,omitempty"`
}

// Clone returns a deep copy of the document via its JSON form.
func (d *Document) Clone() (*Document, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
