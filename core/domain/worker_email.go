package domain

import (
	"strings"
	"time"
)

// EmailStatus is the read state mirrored from the provider.
type EmailStatus string

const (
	EmailStatusRead   EmailStatus = "read"
	EmailStatusUnread EmailStatus = "unread"
)

// Email is the normalized record produced by a provider adapter and stored
// keyed by ProviderID.
type Email struct {
	ID              int64       `json:"id"`
	ProviderID      string      `json:"email_provider_id"`
	Subject         string      `json:"subject"`
	Body            string      `json:"body"`
	SenderEmail     string      `json:"sender_email"`
	RecipientEmails string      `json:"recipient_emails"`
	Status          EmailStatus `json:"status"`
	Labels          []string    `json:"labels"`
	ReceivedAt      time.Time   `json:"received_at"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// IsRead reports whether the provider considers the message read.
func (e *Email) IsRead() bool {
	return e.Status != EmailStatusUnread
}

// =============================================================================
// Evaluable Fields
// =============================================================================

// Field names a rule document may reference.
const (
	FieldSubject         = "subject"
	FieldBody            = "body"
	FieldSenderEmail     = "sender_email"
	FieldRecipientEmails = "recipient_emails"
	FieldProviderID      = "email_provider_id"
	FieldStatus          = "status"
	FieldLabels          = "labels"
	FieldReceivedAt      = "received_at"
)

// FieldValue is a single evaluable value. Time fields carry IsTime.
type FieldValue struct {
	Text   string
	Time   time.Time
	IsTime bool
}

// TextValue builds a string field value.
func TextValue(s string) FieldValue {
	return FieldValue{Text: s}
}

// TimeValue builds a timestamp field value.
func TimeValue(t time.Time) FieldValue {
	return FieldValue{Time: t, IsTime: true}
}

// FieldSet is the field-name-keyed view the rule engine evaluates against.
type FieldSet map[string]FieldValue

// Lookup returns the value for name and whether the field exists.
func (f FieldSet) Lookup(name string) (FieldValue, bool) {
	v, ok := f[name]
	return v, ok
}

// Fields returns the whitelisted evaluable view of the record. Row id and
// bookkeeping timestamps are not part of it.
func (e *Email) Fields() FieldSet {
	return FieldSet{
		FieldSubject:         TextValue(e.Subject),
		FieldBody:            TextValue(e.Body),
		FieldSenderEmail:     TextValue(e.SenderEmail),
		FieldRecipientEmails: TextValue(e.RecipientEmails),
		FieldProviderID:      TextValue(e.ProviderID),
		FieldStatus:          TextValue(string(e.Status)),
		FieldLabels:          TextValue(strings.Join(e.Labels, ",")),
		FieldReceivedAt:      TimeValue(e.ReceivedAt),
	}
}
