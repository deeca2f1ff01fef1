package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// ErrCircuitOpen is returned by RetryWithBreaker when the breaker refuses a call.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// RetryWithBreaker runs fn with exponential backoff, gated by cb if non-nil.
// Each attempt is recorded against cb so repeated failures trip the breaker
// and stop further attempts early.
func RetryWithBreaker(ctx context.Context, cb *CircuitBreaker, maxElapsed time.Duration, fn func(ctx context.Context) error) error {
	meter := otel.GetMeterProvider().Meter("workflow-orchestrator")
	attempts, _ := meter.Int64Counter("orch_resilience_retry_attempts_total")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = maxElapsed
	bctx := backoff.WithContext(b, ctx)

	op := func() error {
		if cb != nil && !cb.Allow() {
			return backoff.Permanent(ErrCircuitOpen)
		}
		attempts.Add(ctx, 1)
		err := fn(ctx)
		if cb != nil {
			cb.RecordResult(err == nil)
		}
		return err
	}

	return backoff.Retry(op, bctx)
}
