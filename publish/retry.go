package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/c360studio/regwatch/metrics"
	"github.com/c360studio/regwatch/registry"
)

// RetryConfig bounds how long a batch may hold up a watcher.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, first one included.
	MaxAttempts int
	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the exponential wait between retries.
	MaxInterval time.Duration
	// AttemptTimeout bounds a single call into the wrapped publisher.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns three attempts with 100ms..2s backoff and a 5s
// per-attempt timeout.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		AttemptTimeout:  5 * time.Second,
	}
}

// Retry wraps a Publisher with bounded exponential-backoff retries. A batch
// that still fails after MaxAttempts is dropped: the failure is logged,
// counted, and returned to the caller.
type Retry struct {
	next    Publisher
	config  RetryConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRetry wraps next. Zero config fields take their defaults.
func NewRetry(next Publisher, config RetryConfig, logger *slog.Logger, m *metrics.Metrics) *Retry {
	defaults := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = defaults.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = defaults.MaxInterval
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retry{next: next, config: config, logger: logger, metrics: m}
}

// Publish implements Publisher.
func (r *Retry) Publish(ctx context.Context, records []registry.Record) error {
	if len(records) == 0 {
		return nil
	}
	category := string(records[0].Category())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialInterval
	b.MaxInterval = r.config.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.config.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
		defer cancel()
		return r.next.Publish(attemptCtx, records)
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.RecordPublishRetry(category)
		r.logger.Warn("Publish failed, retrying",
			"category", category,
			"records", len(records),
			"attempt", attempts,
			"wait", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		r.metrics.RecordPublishFailure(category)
		r.logger.Error("Dropping registration records",
			"category", category,
			"records", len(records),
			"first_path", records[0].NodePath(),
			"attempts", attempts,
			"error", err)
		return fmt.Errorf("publish %d records after %d attempts: %w", len(records), attempts, err)
	}
	return nil
}
