// Package out defines outbound ports (driven ports) for the application.
package out

import (
	"context"
	"errors"

	"rule_worker/core/domain"
)

// =============================================================================
// Mail Provider Ports (Gmail, IMAP)
// =============================================================================

// MailFetcher produces normalized records from a provider. The ingestion path
// depends only on this capability.
type MailFetcher interface {
	FetchEmails(ctx context.Context) ([]*domain.Email, error)
}

// MailMutator changes mailbox state for a provider message id. The rule engine
// depends only on this capability. Calls are synchronous.
type MailMutator interface {
	MarkAsRead(ctx context.Context, providerID string) error
	MarkAsUnread(ctx context.Context, providerID string) error
	MoveToLabel(ctx context.Context, providerID, label string) error
}

// =============================================================================
// Provider Errors
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth         ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired ProviderErrorCode = "token_expired"
	ProviderErrRateLimit    ProviderErrorCode = "rate_limit"
	ProviderErrNotFound     ProviderErrorCode = "not_found"
	ProviderErrNetwork      ProviderErrorCode = "network_error"
	ProviderErrServer       ProviderErrorCode = "server_error"
	ProviderErrInvalidInput ProviderErrorCode = "invalid_input"
)

// ProviderError represents a provider error. Retryable is informational;
// nothing in the worker retries.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Provider + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// IsProviderError reports whether err carries a ProviderError with code.
func IsProviderError(err error, code ProviderErrorCode) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == code
}
