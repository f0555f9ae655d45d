// Package retry classifies transient Postgres errors and retries operations
// against them with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/kmassidik/walletd/internal/walleterr"
)

// ErrOptimisticLock is returned by a repository when an UPDATE ... WHERE
// version = $n affects zero rows, signalling a concurrent writer won.
var ErrOptimisticLock = errors.New("retry: optimistic lock version mismatch")

const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
)

// Retryable reports whether err represents a transient condition worth
// retrying: a serialization failure, a deadlock, a unique-constraint race
// on an idempotency insert, or an optimistic-lock version mismatch.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOptimisticLock) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateUniqueViolation:
			return true
		}
	}
	return false
}

// Policy returns the default exponential backoff policy for this service:
// 50ms base, factor 2, capped at 5s, 10 attempts in all (the first call
// plus 9 retries). Each wait is randomized by +/-20% of the current
// interval; no separate fixed 0-100ms jitter is added.
func Policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	withMax := backoff.WithMaxRetries(b, 9)
	return backoff.WithContext(withMax, ctx)
}

// Do retries fn using the default policy, stopping early on the first
// non-retryable error. A retryable error that outlasts every attempt is
// returned classified as walleterr.KindConcurrency.
func Do(ctx context.Context, fn func() error) error {
	policy := Policy(ctx)
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if Retryable(err) {
		return walleterr.Wrap(walleterr.KindConcurrency, "retry: attempts exhausted", err)
	}
	return err
}
