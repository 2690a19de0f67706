package knowledge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCarriesKindAndDetails(t *testing.T) {
	err := newError(KindValidation, "file too large").
		WithDetail("file_size", 1024).
		WithDetail("max_file_size", 512)

	assert.Equal(t, KindValidation, err.Kind)
	assert.False(t, err.Timestamp.IsZero())
	assert.Equal(t, 1024, err.Details["file_size"])
	assert.Contains(t, err.Error(), "file too large")
}

func TestWrapErrorPreservesStructuredCause(t *testing.T) {
	inner := newError(KindUnsupportedFormat, "no extractor for zip")
	wrapped := wrapError(KindProcessing, "stage text_extraction failed", fmt.Errorf("attempt 2: %w", inner))

	assert.Equal(t, KindUnsupportedFormat, wrapped.Kind,
		"wrapping must not overwrite an existing structured kind")
	assert.True(t, IsKind(wrapped, KindUnsupportedFormat))
}

func TestWrapErrorPlainCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := wrapError(KindProcessing, "failed to persist chunks", cause)

	assert.Equal(t, KindProcessing, wrapped.Kind)
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestAsError(t *testing.T) {
	structured, ok := AsError(fmt.Errorf("outer: %w", newError(KindSearchFailed, "boom")))
	require.True(t, ok)
	assert.Equal(t, KindSearchFailed, structured.Kind)

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
	assert.False(t, IsKind(errors.New("plain"), KindProcessing))
}

func TestAsProcessError(t *testing.T) {
	assert.Nil(t, AsProcessError(nil))

	typed := AsProcessError(newError(KindValidation, "bad input"))
	assert.Equal(t, KindValidation, typed.Kind)

	coerced := AsProcessError(errors.New("unexpected"))
	assert.Equal(t, KindProcessing, coerced.Kind)
	assert.Equal(t, "unexpected", coerced.Message)
}
