package qatrack_errors

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

type RetryConfig struct {
	MaxRetries   int           // Retries after the first attempt
	BaseDelay    time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound for a single delay
	JitterFactor float64       // ±fraction applied to each delay
	// Retryable decides whether an error is worth another attempt. Defaults to IsTransient.
	Retryable func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryWithResult runs fn until it succeeds, returns a non-retryable error, or
// exhausts cfg.MaxRetries. The last error keeps its kind.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, log *zap.Logger, fn func(ctx context.Context) (T, error)) (T, error) {
	if log == nil {
		log = zap.NewNop()
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, BackendUnavailable(err, false, "operation cancelled")
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info("retry succeeded", zap.Int("attempts", attempt+1))
			}
			return result, nil
		}
		lastErr = err

		if !retryable(err) || attempt == cfg.MaxRetries {
			break
		}

		delay := Backoff(attempt, cfg)
		log.Debug("attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry interrupted: %w", lastErr)
		}
	}
	return zero, lastErr
}

func Retry(ctx context.Context, cfg RetryConfig, log *zap.Logger, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, log, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Backoff returns the delay before retry number attempt+1.
func Backoff(attempt int, cfg RetryConfig) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := float64(base) * math.Pow(2, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.JitterFactor > 0 {
		jitter := delay * cfg.JitterFactor
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
