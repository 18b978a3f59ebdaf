// Package retry centralizes the bounded exponential-backoff policy applied
// to every fallible unit of work: store writes, cache writes, external calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/xpucat/xpucat/pkg/logger"
	"github.com/xpucat/xpucat/pkg/storage"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
)

// Policy retries an operation with exponential backoff
// (baseDelay * 2^(attempt-1)) up to MaxAttempts, then re-raises the last
// error. Only transient errors are retried; anything else is permanent and
// surfaces immediately.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration

	logger logger.Logger
}

// NewPolicy returns a policy with the given bounds. Zero values fall back to
// the defaults.
func NewPolicy(maxAttempts int, baseDelay time.Duration, log logger.Logger) Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, logger: log}
}

// Run executes op under the policy. The label identifies the unit of work in
// logs. Context cancellation aborts the wait between attempts.
func (p Policy) Run(ctx context.Context, label string, op func(ctx context.Context) error) error {
	attempt := 0

	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}

		if !storage.IsTransient(err) {
			return backoff.Permanent(err)
		}

		p.logger.WarnWithContext(ctx, "retryable operation failed",
			zap.String("label", label),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Error(err),
		)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx)
	return backoff.Retry(wrapped, policy)
}
