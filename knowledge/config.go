package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"

	"corpus_back/embeddings"
	"corpus_back/vectors"
)

var configValidator = validator.New()

// ProcessorConfig drives the upload/processing pipeline for one
// knowledge base.
type ProcessorConfig struct {
	MaxFileSizeBytes int64 `json:"max_file_size_bytes" validate:"min=0"`
	MaxRetries       int   `json:"max_retries" validate:"min=0,max=10"`
	RetryDelayMs     int   `json:"retry_delay_ms" validate:"min=0"`
}

// RerankerConfig is carried per knowledge base but only the passthrough
// kind is implemented; scores come straight from the vector store.
type RerankerConfig struct {
	Kind string `json:"kind" validate:"oneof=none"`
}

// Config aggregates everything a knowledge base needs to process and
// search documents.
type Config struct {
	Processor ProcessorConfig   `json:"processor"`
	Embedding embeddings.Config `json:"embedding"`
	Vector    vectors.Config    `json:"vector"`
	Reranker  RerankerConfig    `json:"reranker"`
}

// ApplyDefaults fills zero values, recursing into the embedding and
// vector sections.
func (c *Config) ApplyDefaults() {
	if c.Processor.MaxFileSizeBytes <= 0 {
		c.Processor.MaxFileSizeBytes = 50 << 20
	}
	if c.Processor.MaxRetries <= 0 {
		c.Processor.MaxRetries = 3
	}
	if c.Processor.RetryDelayMs <= 0 {
		c.Processor.RetryDelayMs = 500
	}
	if c.Reranker.Kind == "" {
		c.Reranker.Kind = "none"
	}
	c.Embedding.ApplyDefaults()
	c.Vector.ApplyDefaults()
}

// Validate checks the merged configuration before an engine is built.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return wrapError(KindValidation, "invalid knowledge base configuration", err)
	}
	if c.Embedding.Dimension <= 0 {
		return newError(KindValidation, "embedding dimension must be positive")
	}
	if c.Embedding.ChunkOverlap >= c.Embedding.ChunkSize {
		return newError(KindValidation, "chunk overlap must be smaller than chunk size")
	}
	return nil
}

// configFromRecord decodes the per-base JSON config columns on top of
// the process-wide defaults. Empty columns keep the defaults.
func configFromRecord(defaults Config, kb *KnowledgeBase) (Config, error) {
	cfg := defaults
	sections := []struct {
		name string
		raw  []byte
		dst  interface{}
	}{
		{"processor", kb.ProcessorConfig, &cfg.Processor},
		{"embedding", kb.EmbeddingConfig, &cfg.Embedding},
		{"vector", kb.VectorConfig, &cfg.Vector},
		{"reranker", kb.RerankerConfig, &cfg.Reranker},
	}
	for _, section := range sections {
		if len(section.raw) == 0 || string(section.raw) == "null" {
			continue
		}
		if err := json.Unmarshal(section.raw, section.dst); err != nil {
			return cfg, wrapError(KindValidation,
				fmt.Sprintf("invalid %s config for knowledge base %d", section.name, kb.ID), err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// defaultConfigFromEnv assembles the process-wide defaults applied to
// every knowledge base that does not override them.
func defaultConfigFromEnv() Config {
	cfg := Config{
		Embedding: embeddings.Config{
			Kind:    os.Getenv("EMBEDDING_KIND"),
			ModelID: os.Getenv("EMBEDDING_MODEL"),
		},
		Vector: vectors.Config{
			Kind: os.Getenv("VECTOR_STORE_KIND"),
			Path: os.Getenv("VECTOR_STORE_PATH"),
		},
	}
	if raw := os.Getenv("EMBEDDING_DIMENSION"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			cfg.Embedding.Dimension = parsed
		}
	}
	if raw := os.Getenv("KNOWLEDGE_MAX_FILE_SIZE"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			cfg.Processor.MaxFileSizeBytes = parsed
		}
	}
	cfg.ApplyDefaults()
	return cfg
}
