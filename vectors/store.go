package vectors

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record is a vector plus the denormalized metadata projection stored next to
// it, enough to render a result when the metadata store is unavailable.
type Record struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SearchHit is one raw similarity match from a backend.
type SearchHit struct {
	ID      string                 `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

// Filter is a set of equality predicates (field == value) matched against
// the payload; each backend translates it to its native filter syntax.
type Filter map[string]interface{}

// CollectionStats summarizes a collection.
type CollectionStats struct {
	Name        string `json:"name"`
	VectorCount int64  `json:"vector_count"`
	Dimension   int    `json:"dimension"`
}

// Store is the pluggable vector backend. Both variants are idempotent on
// CreateCollection/CreateIndex and lazily connect when called before an
// explicit Connect.
type Store interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	CreateCollection(ctx context.Context, name string, dimension int) error
	CreateIndex(ctx context.Context, name string) error
	LoadCollection(ctx context.Context, name string) error
	InsertVectors(ctx context.Context, name string, records []Record) ([]string, error)
	SearchSimilar(ctx context.Context, name string, vector []float32, topK int, filter Filter) ([]SearchHit, error)
	DeleteVector(ctx context.Context, name string, id string) error
	DeleteDocumentVectors(ctx context.Context, name string, documentID string) error
	GetCollectionStats(ctx context.Context, name string) (*CollectionStats, error)
	DropCollection(ctx context.Context, name string) error
}

// Config selects and tunes the backend. Stored as JSON on the knowledge-base
// row; durations are millisecond integers.
type Config struct {
	Kind              string  `json:"kind" validate:"oneof=local qdrant remote"`
	Path              string  `json:"path,omitempty"`
	DefaultTopK       int     `json:"default_top_k"`
	MaxTopK           int     `json:"max_top_k"`
	ScoreThreshold    float64 `json:"score_threshold" validate:"gte=0,lte=1"`
	Highlight         bool    `json:"highlight"`
	MaxRetries        int     `json:"max_retries"`
	RetryDelayMs      int     `json:"retry_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// ApplyDefaults fills unset knobs with workable values.
func (c *Config) ApplyDefaults() {
	if c.Kind == "" {
		c.Kind = "local"
	}
	if c.Path == "" {
		c.Path = "data/vectors"
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 10
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = 100
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 0.5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = 200
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
}

func (c Config) retryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// New selects the vector backend from the config kind.
func New(cfg Config) (Store, error) {
	cfg.ApplyDefaults()
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "local":
		return NewLocal(cfg), nil
	case "qdrant", "remote":
		return NewQdrantFromEnv(cfg)
	default:
		return nil, fmt.Errorf("vectors: unsupported backend kind %q", cfg.Kind)
	}
}
