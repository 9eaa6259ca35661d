// Package retry runs idempotent reads against external stores with bounded
// exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kyleking/sqlcontext/internal/config"
	"github.com/kyleking/sqlcontext/internal/errors"
	"github.com/kyleking/sqlcontext/internal/metrics"
)

// Policy bounds the number of attempts and the first wait between them
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// DefaultPolicy is used when no retrieval config is available
var DefaultPolicy = Policy{Attempts: 3, Initial: 200 * time.Millisecond, Max: 2 * time.Second}

// FromConfig reads the retry settings of the retrieval section
func FromConfig(cfg config.RetrievalConfig) Policy {
	p := Policy{
		Attempts: cfg.RetryAttempts,
		Initial:  config.Duration(cfg.RetryBackoff, DefaultPolicy.Initial),
		Max:      DefaultPolicy.Max,
	}

	if p.Attempts < 1 {
		p.Attempts = 1
	}

	return p
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, the context ends
// or the attempts are used up. Every retry is counted against service.
// Validation and not-found errors are never retried.
func Do(ctx context.Context, p Policy, service string, fn func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxElapsedTime = 0

	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Attempts-1)), ctx)

	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil ||
			errors.IsType(err, errors.ErrTypeValidation) ||
			errors.IsType(err, errors.ErrTypeNotFound) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(error, time.Duration) {
		metrics.UpstreamRetry(service)
	}

	return backoff.RetryNotify(op, b, notify)
}
