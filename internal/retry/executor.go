// Package retry executes operations under a bounded retry budget with
// exponential backoff and jitter. An error classifier decides between
// another attempt and giving up early; exhausted budgets surface as
// ErrMaxRetriesExceeded so callers can dead-letter the operation.
package retry

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Executor runs operations under one Policy. It is stateless across
// calls and safe for concurrent use.
type Executor struct {
	policy     Policy
	classifier *Classifier
	clock      clockwork.Clock
}

// NewExecutor creates an executor. A nil classifier retries every error
// except explicitly marked permanent ones; a nil clock uses real time.
func NewExecutor(policy Policy, classifier *Classifier, clock clockwork.Clock) *Executor {
	if classifier == nil {
		classifier = &Classifier{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Executor{policy: policy, classifier: classifier, clock: clock}
}

// Policy returns the executor's retry policy.
func (e *Executor) Policy() Policy { return e.policy }

// Classify exposes the executor's classifier decision for an error.
func (e *Executor) Classify(err error) Class { return e.classifier.Classify(err) }

// Do runs fn until it succeeds, fails permanently, or the attempt
// budget is spent. It returns the number of attempts made and the final
// error: nil on success, the bare error on a permanent failure, a
// wrapped ErrMaxRetriesExceeded on exhaustion, or the context error
// when ctx is cancelled while waiting to retry.
func (e *Executor) Do(ctx context.Context, operation string, fn func(context.Context) error) (int, error) {
	bo := e.policy.BackOff()

	var lastErr error
	for attempt := 1; ; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}

		class := e.classifier.Classify(lastErr)
		if class == ClassPermanent {
			log.Ctx(ctx).Warn().
				Err(lastErr).
				Str("operation", operation).
				Int("attempt", attempt).
				Msg("permanent error, giving up")
			return attempt, lastErr
		}
		if attempt >= e.policy.MaxAttempts {
			return attempt, fmt.Errorf("%w after %d attempts: %w",
				ErrMaxRetriesExceeded, attempt, lastErr)
		}

		delay := bo.NextBackOff()
		log.Ctx(ctx).Warn().
			Err(lastErr).
			Str("operation", operation).
			Str("class", class.String()).
			Int("attempt", attempt).
			Int("max_attempts", e.policy.MaxAttempts).
			Dur("delay", delay).
			Msg("operation failed, retrying")

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-e.clock.After(delay):
		}
	}
}
