package rule

import (
	"context"
	"fmt"

	"rule_worker/core/domain"
	"rule_worker/core/port/out"
	"rule_worker/pkg/apperr"
	"rule_worker/pkg/logger"
	"rule_worker/pkg/metrics"
)

// =============================================================================
// Executor
// =============================================================================

// Executor applies resolved actions through the provider's mutation port, in
// order and synchronously. There is no rollback: a failed call returns
// immediately and leaves earlier actions applied.
type Executor struct {
	mutator out.MailMutator
	metrics *metrics.RunMetrics
	log     *logger.Logger
}

// NewExecutor creates an executor. m may be nil.
func NewExecutor(mutator out.MailMutator, m *metrics.RunMetrics) *Executor {
	return &Executor{
		mutator: mutator,
		metrics: m,
		log:     logger.WithField("component", "rule_executor"),
	}
}

// Execute runs actions against email in order.
func (x *Executor) Execute(ctx context.Context, actions []domain.Action, email *domain.Email) error {
	for _, action := range actions {
		if err := x.apply(ctx, action, email); err != nil {
			x.metrics.ActionFailed(string(action.Action))
			return err
		}
	}
	return nil
}

func (x *Executor) apply(ctx context.Context, action domain.Action, email *domain.Email) error {
	id := email.ProviderID
	log := x.log.WithFields(map[string]any{
		"email_provider_id": id,
		"subject":           email.Subject,
		"action":            string(action.Action),
	})

	switch action.Action {
	case domain.ActionMarkAsRead:
		if err := x.mutator.MarkAsRead(ctx, id); err != nil {
			return fmt.Errorf("mark %s as read: %w", id, err)
		}
		log.Info("Marked as read, %s, Subject %s", id, email.Subject)

	case domain.ActionMarkAsUnread:
		if err := x.mutator.MarkAsUnread(ctx, id); err != nil {
			return fmt.Errorf("mark %s as unread: %w", id, err)
		}
		log.Info("Marked as unread, %s, Subject %s", id, email.Subject)

	case domain.ActionMoveMessage:
		if action.MissingLabel() {
			return apperr.Wrap(apperr.MissingField("value"), apperr.CodeConfigError,
				"move_message requires a label")
		}
		if err := x.mutator.MoveToLabel(ctx, id, action.Value); err != nil {
			return fmt.Errorf("move %s to %s: %w", id, action.Value, err)
		}
		log.Info("Moved email to %s, %s, Subject %s", action.Value, id, email.Subject)

	default:
		log.Warn("Skipping unknown action %q for %s", action.Action, id)
		return nil
	}

	x.metrics.ActionApplied(string(action.Action))
	return nil
}
