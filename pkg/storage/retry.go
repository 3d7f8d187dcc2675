package storage

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig defines retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns sensible defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      20 * time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryPolicy executes operations with bounded retries, exponential backoff and full jitter.
// It is safe for concurrent use.
type RetryPolicy struct {
	cfg    RetryConfig
	logger zerolog.Logger
	jitter func() float64
}

// NewRetryPolicy creates a retry policy, filling zero fields from DefaultRetryConfig
func NewRetryPolicy(cfg RetryConfig, logger zerolog.Logger) *RetryPolicy {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}

	return &RetryPolicy{
		cfg:    cfg,
		logger: logger,
		jitter: rand.Float64,
	}
}

// Config returns the effective configuration
func (p *RetryPolicy) Config() RetryConfig {
	return p.cfg
}

// Backoff returns the sleep before retry number attempt (1-based): a uniformly random
// duration in [0, min(MaxDelay, InitialDelay*BackoffFactor^(attempt-1))].
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	ceiling := float64(p.cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		ceiling *= p.cfg.BackoffFactor
		if ceiling >= float64(p.cfg.MaxDelay) {
			ceiling = float64(p.cfg.MaxDelay)
			break
		}
	}
	return time.Duration(p.jitter() * ceiling)
}

// Execute runs op until it succeeds, fails with a non-retryable error, or MaxAttempts
// is reached. op receives the 1-based attempt number.
func (p *RetryPolicy) Execute(ctx context.Context, op func(attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(attempt)
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry critical errors
		if IsCritical(err) {
			return err
		}

		// Don't retry non-retryable errors
		if !IsRetryable(err) {
			return err
		}

		// Last attempt, don't wait
		if attempt == p.cfg.MaxAttempts {
			break
		}

		delay := p.Backoff(attempt)
		p.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", p.cfg.MaxAttempts).
			Dur("delay", delay).
			Msg("retrying after transient failure")

		// Wait before retry
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}
