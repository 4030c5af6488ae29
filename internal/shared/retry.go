package shared

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetrySQLite runs op up to maxRetries times with exponential backoff
// (baseDelay, 2*baseDelay, 4*baseDelay, ...) whenever op fails with a
// SQLite busy/locked error. Any other error, or context cancellation,
// returns immediately. Mirrors the retry shape used throughout the
// reference container/ttl.go cleanup worker.
func RetrySQLite(ctx context.Context, op string, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsSQLiteConflictError(lastErr) {
			return lastErr
		}
		if i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<uint(i))
		slog.Debug("retrying after sqlite conflict", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, maxRetries, lastErr)
}
