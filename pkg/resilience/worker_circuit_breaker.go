// Package resilience guards calls to external mail services.
package resilience

import (
	"context"
	"errors"
	"time"

	"rule_worker/pkg/logger"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without calling the service while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds configuration for a circuit breaker.
type BreakerConfig struct {
	Name string

	// Trip after this many consecutive failures...
	ConsecutiveFailures uint32
	// ...or once FailureRatio is reached over at least MinRequests calls.
	MinRequests  uint32
	FailureRatio float64

	Interval    time.Duration // closed-state counter reset
	Timeout     time.Duration // open-state duration before half-open
	MaxRequests uint32        // trial calls allowed in half-open

	// IsFailure decides whether err counts against the service. Nil counts
	// every error except context cancellation.
	IsFailure func(err error) bool
}

// DefaultBreakerConfig returns the settings used for provider adapters.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		ConsecutiveFailures: 5,
		MinRequests:         10,
		FailureRatio:        0.6,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		MaxRequests:         3,
	}
}

// Breaker wraps gobreaker with error-only calls.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker that logs its state transitions.
func NewBreaker(cfg BreakerConfig) *Breaker {
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = defaultIsFailure
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.MinRequests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isFailure(err)
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn unless the breaker is open. The error from fn is returned
// unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	if b == nil {
		return gobreaker.StateClosed.String()
	}
	return b.cb.State().String()
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}
