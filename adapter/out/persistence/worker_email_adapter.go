// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"rule_worker/core/domain"
	"rule_worker/core/port/out"
	"rule_worker/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// =============================================================================
// Email Adapter (PostgreSQL / SQLite)
// =============================================================================

// EmailAdapter implements out.EmailRepository over sqlx. The driver name of
// the handle picks the labels encoding: TEXT[] on postgres, JSON text on
// sqlite.
type EmailAdapter struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ out.EmailRepository = (*EmailAdapter)(nil)

// NewEmailAdapter creates a new EmailAdapter.
func NewEmailAdapter(db *sqlx.DB) *EmailAdapter {
	return &EmailAdapter{db: db, now: time.Now}
}

// WithClock overrides the timestamp source for created_at and updated_at.
func (a *EmailAdapter) WithClock(now func() time.Time) *EmailAdapter {
	a.now = now
	return a
}

// =============================================================================
// Database Row Mapping
// =============================================================================

const emailSelectColumns = `
	id, email_provider_id, subject, body, sender_email, recipient_emails,
	status, labels, received_at, created_at, updated_at`

// emailRow represents the database row for emails.
type emailRow struct {
	ID              int64          `db:"id"`
	ProviderID      string         `db:"email_provider_id"`
	Subject         sql.NullString `db:"subject"`
	Body            sql.NullString `db:"body"`
	SenderEmail     sql.NullString `db:"sender_email"`
	RecipientEmails sql.NullString `db:"recipient_emails"`
	Status          sql.NullString `db:"status"`
	Labels          labelList      `db:"labels"`
	ReceivedAt      time.Time      `db:"received_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r *emailRow) toDomain() *domain.Email {
	return &domain.Email{
		ID:              r.ID,
		ProviderID:      r.ProviderID,
		Subject:         r.Subject.String,
		Body:            r.Body.String,
		SenderEmail:     r.SenderEmail.String,
		RecipientEmails: r.RecipientEmails.String,
		Status:          domain.EmailStatus(r.Status.String),
		Labels:          []string(r.Labels),
		ReceivedAt:      r.ReceivedAt.UTC(),
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

// labelList scans both encodings: a postgres array literal or a JSON array.
type labelList []string

func (l *labelList) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("labels: unsupported type %T", src)
	}

	s = strings.TrimSpace(s)
	switch {
	case s == "":
		*l = nil
		return nil
	case strings.HasPrefix(s, "["):
		var labels []string
		if err := json.Unmarshal([]byte(s), &labels); err != nil {
			return fmt.Errorf("labels: %w", err)
		}
		*l = labels
		return nil
	default:
		var arr pq.StringArray
		if err := arr.Scan(s); err != nil {
			return fmt.Errorf("labels: %w", err)
		}
		*l = labelList(arr)
		return nil
	}
}

func (a *EmailAdapter) labelsValue(labels []string) (driver.Value, error) {
	if labels == nil {
		labels = []string{}
	}
	if a.isPostgres() {
		return pq.Array(labels).Value()
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (a *EmailAdapter) isPostgres() bool {
	switch a.db.DriverName() {
	case "pgx", "postgres":
		return true
	default:
		return false
	}
}

// =============================================================================
// Repository Operations
// =============================================================================

// ListAll returns every stored email in insertion order.
func (a *EmailAdapter) ListAll(ctx context.Context) ([]*domain.Email, error) {
	query := `SELECT ` + emailSelectColumns + ` FROM emails ORDER BY id`

	var rows []emailRow
	if err := a.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperr.DatabaseError("list emails", err)
	}

	emails := make([]*domain.Email, 0, len(rows))
	for i := range rows {
		emails = append(emails, rows[i].toDomain())
	}
	return emails, nil
}

const upsertEmailQuery = `
	INSERT INTO emails (
		email_provider_id, subject, body, sender_email, recipient_emails,
		status, labels, received_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (email_provider_id) DO UPDATE SET
		subject = excluded.subject,
		body = excluded.body,
		sender_email = excluded.sender_email,
		recipient_emails = excluded.recipient_emails,
		status = excluded.status,
		labels = excluded.labels,
		received_at = excluded.received_at,
		updated_at = excluded.updated_at`

// UpsertBatch writes all emails in a single transaction. Existing rows keyed
// by email_provider_id keep their id and created_at.
func (a *EmailAdapter) UpsertBatch(ctx context.Context, emails []*domain.Email) error {
	if len(emails) == 0 {
		return nil
	}
	for i, e := range emails {
		if e == nil || e.ProviderID == "" {
			return apperr.InvalidInput("email_provider_id", "required").WithDetail("index", i)
		}
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.DatabaseError("begin upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, a.db.Rebind(upsertEmailQuery))
	if err != nil {
		return apperr.DatabaseError("prepare upsert", err)
	}
	defer stmt.Close()

	now := a.now().UTC()
	for _, e := range emails {
		labels, err := a.labelsValue(e.Labels)
		if err != nil {
			return apperr.DatabaseError("encode labels", err)
		}

		status := e.Status
		if status == "" {
			status = domain.EmailStatusUnread
		}

		if _, err := stmt.ExecContext(ctx,
			e.ProviderID, nullStr(e.Subject), e.Body, e.SenderEmail, e.RecipientEmails,
			string(status), labels, e.ReceivedAt.UTC(), now, now,
		); err != nil {
			return apperr.DatabaseError("upsert email "+e.ProviderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.DatabaseError("commit upsert", err)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
