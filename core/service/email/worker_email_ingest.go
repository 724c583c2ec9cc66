// Package mail moves provider messages into the local email store.
package mail

import (
	"context"
	"fmt"
	"time"

	"rule_worker/core/domain"
	"rule_worker/core/port/out"
	"rule_worker/pkg/logger"
	"rule_worker/pkg/metrics"
)

// =============================================================================
// IngestService
// =============================================================================

type IngestService struct {
	fetcher   out.MailFetcher
	emailRepo out.EmailRepository
	metrics   *metrics.RunMetrics
}

func NewIngestService(fetcher out.MailFetcher, emailRepo out.EmailRepository, m *metrics.RunMetrics) *IngestService {
	return &IngestService{
		fetcher:   fetcher,
		emailRepo: emailRepo,
		metrics:   m,
	}
}

// Ingest fetches the newest messages and upserts them by provider id. It
// returns the number of records written.
func (s *IngestService) Ingest(ctx context.Context) (int, error) {
	startTime := time.Now()

	emails, err := s.fetcher.FetchEmails(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch emails: %w", err)
	}

	emails = dedupe(emails)
	if len(emails) == 0 {
		logger.Info("[IngestService.Ingest] No messages returned by provider")
		return 0, nil
	}

	if err := s.emailRepo.UpsertBatch(ctx, emails); err != nil {
		return 0, fmt.Errorf("store emails: %w", err)
	}

	s.metrics.EmailsIngested(len(emails))
	logger.WithDuration(time.Since(startTime)).
		Info("[IngestService.Ingest] Stored %d emails", len(emails))
	return len(emails), nil
}

// dedupe keeps the last record per provider id so one batch never conflicts
// with itself inside the upsert.
func dedupe(emails []*domain.Email) []*domain.Email {
	index := make(map[string]int, len(emails))
	result := make([]*domain.Email, 0, len(emails))
	for _, e := range emails {
		if e == nil || e.ProviderID == "" {
			continue
		}
		if i, ok := index[e.ProviderID]; ok {
			result[i] = e
			continue
		}
		index[e.ProviderID] = len(result)
		result = append(result, e)
	}
	return result
}
