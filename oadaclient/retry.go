package oadaclient

import (
	"context"
	"log/slog"
	"time"
)

// withRetry runs op with exponential backoff, honoring ctx cancellation
// between attempts and giving up immediately on ErrCircuitOpen (retrying
// would only hammer a breaker that is already open).
func withRetry(ctx context.Context, logger *slog.Logger, maxRetries int, baseBackoff time.Duration, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
		if _, ok := err.(*ErrCircuitOpen); ok {
			return err
		}

		if attempt < maxRetries {
			wait := baseBackoff * (1 << uint(attempt))
			logger.WarnContext(ctx, "oadaclient: retrying call",
				"attempt", attempt+1, "max_retries", maxRetries,
				"backoff_ms", wait.Milliseconds(), "error", err)
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}
