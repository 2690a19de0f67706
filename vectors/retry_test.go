package vectors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetryConfig() Config {
	return Config{MaxRetries: 3, RetryDelayMs: 1, BackoffMultiplier: 2}
}

func TestRetryExecutorSucceedsAfterTransientFailures(t *testing.T) {
	executor := newRetryExecutor(testRetryConfig(), nil)

	attempts := 0
	err := executor.execute(context.Background(), "insert", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExecutorGivesUpAfterMaxRetries(t *testing.T) {
	executor := newRetryExecutor(testRetryConfig(), nil)

	attempts := 0
	err := executor.execute(context.Background(), "search", func(ctx context.Context) error {
		attempts++
		return errors.New("permanent")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "search failed after 3 attempts")
}

func TestRetryExecutorResetsConnectionOnConnectionErrors(t *testing.T) {
	resets := 0
	cfg := testRetryConfig()
	executor := newRetryExecutor(cfg, func(ctx context.Context) error {
		resets++
		return nil
	})

	attempts := 0
	err := executor.execute(context.Background(), "insert", func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, resets, "connection failures trigger a reset before the retry")
}

func TestRetryExecutorSkipsResetForLogicErrors(t *testing.T) {
	resets := 0
	executor := newRetryExecutor(testRetryConfig(), func(ctx context.Context) error {
		resets++
		return nil
	})

	_ = executor.execute(context.Background(), "insert", func(ctx context.Context) error {
		return errors.New("dimension mismatch")
	})

	assert.Zero(t, resets)
}

func TestRetryExecutorHonorsContextCancellation(t *testing.T) {
	cfg := testRetryConfig()
	cfg.RetryDelayMs = 50
	executor := newRetryExecutor(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := executor.execute(ctx, "search", func(ctx context.Context) error {
		attempts++
		return errors.New("transient")
	})

	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 2)
}

func TestIsConnectionError(t *testing.T) {
	assert.True(t, isConnectionError(syscall.ECONNRESET))
	assert.True(t, isConnectionError(fmt.Errorf("wrapped: %w", syscall.EPIPE)))
	assert.True(t, isConnectionError(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.True(t, isConnectionError(errors.New("connect: connection refused")))
	assert.False(t, isConnectionError(errors.New("json: cannot unmarshal")))
	assert.False(t, isConnectionError(nil))
}
