package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyText is returned when the caller asks for an embedding of empty or
// whitespace-only input. The knowledge layer maps it to a validation failure.
var ErrEmptyText = errors.New("embeddings: text is empty")

// ErrCircuitOpen is returned while the circuit breaker is rejecting calls.
var ErrCircuitOpen = errors.New("embeddings: circuit breaker is open")

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config drives backend selection and the enhancement layer. Stored as JSON
// on the knowledge-base row, so durations are plain millisecond integers.
type Config struct {
	Kind             string `json:"kind" validate:"oneof=local remote"`
	ModelID          string `json:"model_id"`
	Dimension        int    `json:"dimension" validate:"gt=0"`
	ChunkSize        int    `json:"chunk_size"`
	ChunkOverlap     int    `json:"chunk_overlap"`
	BatchSize        int    `json:"batch_size"`
	TimeoutMs        int    `json:"timeout_ms"`
	MaxRetries       int    `json:"max_retries"`
	RetryDelayMs     int    `json:"retry_delay_ms"`
	CacheSize        int    `json:"cache_size"`
	BatchTimeoutMs   int    `json:"batch_timeout_ms"`
	FailureThreshold int    `json:"failure_threshold"`
	BreakerTimeoutMs int    `json:"circuit_breaker_timeout_ms"`
}

// ApplyDefaults fills unset knobs with workable values.
func (c *Config) ApplyDefaults() {
	if c.Kind == "" {
		c.Kind = "local"
	}
	if c.Dimension <= 0 {
		c.Dimension = 768
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 30000
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = 500
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
	if c.BatchTimeoutMs <= 0 {
		c.BatchTimeoutMs = 50
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BreakerTimeoutMs <= 0 {
		c.BreakerTimeoutMs = 30000
	}
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c Config) retryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// New selects the embedding backend from the config kind.
func New(cfg Config) (Embedder, error) {
	cfg.ApplyDefaults()
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "local":
		return NewLocal(cfg), nil
	case "remote":
		return NewRemoteFromEnv(cfg)
	default:
		return nil, fmt.Errorf("embeddings: unsupported backend kind %q", cfg.Kind)
	}
}

// callWithTimeout races fn against the per-call timeout. A timeout is an
// ordinary retryable failure for the callers.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) ([][]float32, error)) ([][]float32, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		vectors [][]float32
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		vectors, err := fn(ctx)
		done <- outcome{vectors: vectors, err: err}
	}()

	select {
	case result := <-done:
		return result.vectors, result.err
	case <-ctx.Done():
		return nil, fmt.Errorf("embeddings: call timed out after %s: %w", timeout, ctx.Err())
	}
}

func sanitizeInputs(texts []string) ([]string, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyText
	}
	sanitized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, ErrEmptyText
		}
		sanitized[i] = trimmed
	}
	return sanitized, nil
}
