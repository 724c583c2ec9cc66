// Package out defines outbound ports (driven ports) for the application.
// These interfaces represent dependencies that the application needs.
package out

import (
	"context"

	"rule_worker/core/domain"
)

// =============================================================================
// Email Repository (PostgreSQL / SQLite)
// =============================================================================

// EmailRepository defines the outbound port for stored email records.
type EmailRepository interface {
	// ListAll returns every stored record ordered by insertion.
	ListAll(ctx context.Context) ([]*domain.Email, error)

	// UpsertBatch inserts records keyed by provider id. On conflict the
	// mutable fields are replaced and updated_at is refreshed.
	UpsertBatch(ctx context.Context, emails []*domain.Email) error
}
