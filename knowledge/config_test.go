package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.Equal(t, int64(50<<20), cfg.Processor.MaxFileSizeBytes)
	assert.Equal(t, 3, cfg.Processor.MaxRetries)
	assert.Equal(t, "none", cfg.Reranker.Kind)
	assert.Equal(t, "local", cfg.Embedding.Kind)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, "local", cfg.Vector.Kind)
	assert.Equal(t, 10, cfg.Vector.DefaultTopK)
}

func TestConfigValidateRejectsBadOverlap(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.Embedding.ChunkOverlap = cfg.Embedding.ChunkSize

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestConfigValidateAcceptsRemoteVectorKind(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	// "remote" is an accepted alias for the qdrant backend.
	cfg.Vector.Kind = "remote"

	require.NoError(t, cfg.Validate())
}

func TestConfigFromRecordOverridesDefaults(t *testing.T) {
	var defaults Config
	defaults.ApplyDefaults()

	kb := &KnowledgeBase{
		ID:              3,
		Name:            "tuned",
		EmbeddingConfig: datatypes.JSON(`{"dimension": 256, "chunk_size": 600}`),
		VectorConfig:    datatypes.JSON(`{"default_top_k": 20}`),
	}

	cfg, err := configFromRecord(defaults, kb)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Embedding.Dimension)
	assert.Equal(t, 600, cfg.Embedding.ChunkSize)
	assert.Equal(t, 20, cfg.Vector.DefaultTopK)
	// Untouched sections keep the defaults.
	assert.Equal(t, defaults.Processor.MaxFileSizeBytes, cfg.Processor.MaxFileSizeBytes)
	assert.Equal(t, "none", cfg.Reranker.Kind)
}

func TestConfigFromRecordRejectsMalformedJSON(t *testing.T) {
	var defaults Config
	defaults.ApplyDefaults()

	kb := &KnowledgeBase{ID: 4, Name: "broken", EmbeddingConfig: datatypes.JSON(`{not json`)}

	_, err := configFromRecord(defaults, kb)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestConfigFromRecordIgnoresEmptyColumns(t *testing.T) {
	var defaults Config
	defaults.ApplyDefaults()

	kb := &KnowledgeBase{ID: 5, Name: "plain", EmbeddingConfig: datatypes.JSON(`null`)}

	cfg, err := configFromRecord(defaults, kb)
	require.NoError(t, err)
	assert.Equal(t, defaults.Embedding.Dimension, cfg.Embedding.Dimension)
}
