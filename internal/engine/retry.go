package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/compoundr/internal/gateway"
	"github.com/wnt/compoundr/internal/store"
)

const (
	retryBaseDelay = 250 * time.Millisecond
	retryMaxDelay  = 30 * time.Second
)

// withRetry runs a gateway call with a per-call timeout and bounded
// exponential backoff. Only retryable errors are retried, and retries never
// cross a phase boundary: fatal errors surface immediately. rec may be nil
// for calls made before a cycle record exists.
func (e *Engine) withRetry(ctx context.Context, rec *store.CycleRecord, op string, log zerolog.Logger, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if rec != nil {
			rec.Attempts++
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.GatewayTimeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if !gateway.IsRetryable(err) {
			return err
		}

		log.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Int("max_attempts", e.cfg.MaxAttempts).
			Msg("Retryable gateway error")

		if attempt == e.cfg.MaxAttempts {
			break
		}

		delay := retryBaseDelay * time.Duration(1<<(attempt-1))
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%w: %s cancelled: %v", gateway.ErrConnectivity, op, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, e.cfg.MaxAttempts, lastErr)
}
