package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/pkg/log"
)

// Work is the unit of work the Executor runs under a RetryPolicy.
type Work[T any] func(ctx context.Context) (T, error)

// OperationResult carries the outcome of Execute, per spec.md §4.1.
type OperationResult[T any] struct {
	OK               bool
	Value            T
	Err              error
	Duration         time.Duration
	Attempts         int
	CancelledDuringDelay bool
}

// Executor runs Work under a RetryPolicy with cancel-aware backoff.
type Executor struct {
	Logger log.Logger
}

// NewExecutor builds an Executor; a nil logger falls back to log.Default.
func NewExecutor(logger log.Logger) *Executor {
	if logger == nil {
		logger = log.Default
	}
	return &Executor{Logger: logger}
}

// Execute implements spec.md §4.1's algorithm: attempt work, classify
// failures, and back off between attempts up to policy.MaxAttempts.
func Execute[T any](ctx context.Context, e *Executor, work Work[T], policy v1.RetryPolicy) OperationResult[T] {
	if e == nil {
		e = NewExecutor(nil)
	}
	classify := policy.ClassifyException
	if classify == nil {
		classify = ClassifyTransient
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	bo := newPolicyBackOff(policy)
	start := time.Now()

	var zero T
	attempts := 0
	for {
		attempts++
		if err := ctx.Err(); err != nil {
			return OperationResult[T]{Err: v1.ErrCancelled, Duration: time.Since(start), Attempts: attempts}
		}

		value, err := work(ctx)
		if err == nil {
			return OperationResult[T]{OK: true, Value: value, Duration: time.Since(start), Attempts: attempts}
		}

		if ctx.Err() != nil {
			return OperationResult[T]{Err: v1.ErrCancelled, Duration: time.Since(start), Attempts: attempts}
		}

		nonRetryable := !classify(err)
		exhausted := attempts >= policy.MaxAttempts
		if nonRetryable || exhausted {
			return OperationResult[T]{Value: zero, Err: err, Duration: time.Since(start), Attempts: attempts}
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return OperationResult[T]{Value: zero, Err: err, Duration: time.Since(start), Attempts: attempts}
		}

		e.Logger.Debugw("retrying after transient error", "error", err, "attempt", attempts, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return OperationResult[T]{Err: v1.ErrCancelled, Duration: time.Since(start), Attempts: attempts, CancelledDuringDelay: true}
		}
	}
}
