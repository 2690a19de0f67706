package vectors

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"net"
	"strings"
	"syscall"
	"time"
)

// retryExecutor wraps backend operations with exponential backoff. A
// connection-class failure resets the connection before the next attempt.
type retryExecutor struct {
	maxRetries int
	delay      time.Duration
	multiplier float64
	reset      func(ctx context.Context) error
}

func newRetryExecutor(cfg Config, reset func(ctx context.Context) error) *retryExecutor {
	return &retryExecutor{
		maxRetries: cfg.MaxRetries,
		delay:      cfg.retryDelay(),
		multiplier: cfg.BackoffMultiplier,
		reset:      reset,
	}
}

func (r *retryExecutor) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(r.delay) * math.Pow(r.multiplier, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if isConnectionError(err) && r.reset != nil {
			if resetErr := r.reset(ctx); resetErr != nil {
				log.Printf("vectors: %s: connection reset failed: %v", op, resetErr)
			}
		}
	}
	return fmt.Errorf("vectors: %s failed after %d attempts: %w", op, r.maxRetries, lastErr)
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "connection refused") ||
		strings.Contains(message, "connection reset") ||
		strings.Contains(message, "broken pipe") ||
		strings.Contains(message, "no such host")
}
