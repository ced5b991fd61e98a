package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Func defines the function signature for a retryable operation.
type Func func(ctx context.Context) error

// Execute performs an operation with a retry mechanism.
func Execute(ctx context.Context, cfg *Config, logger *zap.Logger, op Func) error {
	// If no retry configuration is provided, just execute the operation
	if cfg == nil || !cfg.Enable {
		return op(ctx)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid retry configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; cfg.Allowed(attempt); attempt++ {
		if lastErr = op(ctx); lastErr == nil {
			return nil
		}

		logger.Warn("Attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.Attempts),
			zap.Duration("next_in", cfg.Delay(attempt)),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Delay(attempt)):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.Attempts, lastErr)
}
