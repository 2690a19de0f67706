package knowledge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanNormalizesWhitespace(t *testing.T) {
	chunker := NewChunker()

	cleaned := chunker.Clean("first line  \r\nsecond\r\n\r\n\r\n\r\nthird\t\n")

	assert.Equal(t, "first line\nsecond\n\nthird", cleaned)
}

func TestChunkShortTextYieldsSingleChunk(t *testing.T) {
	chunker := NewChunker()

	chunks := chunker.Chunk("a short document", "doc-1", DefaultChunkOptions())

	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-1_chunk_0", chunks[0].ID)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "a short document", chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartPosition)
	assert.Equal(t, len([]rune("a short document")), chunks[0].EndPosition)
}

func TestChunkEmptyTextYieldsNothing(t *testing.T) {
	chunker := NewChunker()

	assert.Empty(t, chunker.Chunk("", "doc-1", DefaultChunkOptions()))
	assert.Empty(t, chunker.Chunk("   \n\n  \t ", "doc-1", DefaultChunkOptions()))
}

func TestChunkLongTextRespectsSizeAndOverlap(t *testing.T) {
	chunker := NewChunker()
	opts := ChunkOptions{ChunkSize: 1000, ChunkOverlap: 200, PreserveSentences: true}

	var builder strings.Builder
	for builder.Len() < 2100 {
		builder.WriteString("The quick brown fox jumps over the lazy dog. ")
	}
	text := builder.String()

	chunks := chunker.Chunk(text, "doc-long", opts)

	require.GreaterOrEqual(t, len(chunks), 3)
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.ChunkIndex)
		assert.LessOrEqual(t, chunk.ContentLength, opts.ChunkSize)
		assert.NotEmpty(t, strings.TrimSpace(chunk.Content))
	}
	// Consecutive chunks share an overlap region.
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].StartPosition, chunks[i-1].EndPosition,
			"chunk %d should start inside chunk %d", i, i-1)
		assert.Greater(t, chunks[i].StartPosition, chunks[i-1].StartPosition)
	}

	warnings, err := chunker.ValidateChunks(chunks, opts)
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestChunkOffsetsMatchCleanedText(t *testing.T) {
	chunker := NewChunker()
	opts := ChunkOptions{ChunkSize: 120, ChunkOverlap: 20, PreserveParagraphs: true, PreserveSentences: true}

	text := strings.Repeat("Sentences add up quickly here. ", 30)
	cleaned := []rune(chunker.Clean(text))

	for _, chunk := range chunker.Chunk(text, "doc-offsets", opts) {
		assert.Equal(t, string(cleaned[chunk.StartPosition:chunk.EndPosition]), chunk.Content)
		assert.Equal(t, chunk.EndPosition-chunk.StartPosition, chunk.ContentLength)
	}
}

func TestChunkPreservesParagraphGrouping(t *testing.T) {
	chunker := NewChunker()
	opts := ChunkOptions{ChunkSize: 200, ChunkOverlap: 0, PreserveParagraphs: true}

	text := "first paragraph with some words\n\nsecond paragraph follows here\n\nthird one closes the document"

	chunks := chunker.Chunk(text, "doc-paras", opts)

	require.Len(t, chunks, 1)
	assert.Contains(t, chunks[0].Content, "first paragraph")
	assert.Contains(t, chunks[0].Content, "third one")
}

func TestChunkOverlapStartsAtWordBoundary(t *testing.T) {
	chunker := NewChunker()
	opts := ChunkOptions{ChunkSize: 100, ChunkOverlap: 30, PreserveSentences: true}

	text := strings.Repeat("alpha beta gamma delta epsilon zeta. ", 20)
	cleaned := []rune(chunker.Clean(text))

	chunks := chunker.Chunk(text, "doc-words", opts)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		start := chunks[i].StartPosition
		if start > 0 {
			prev := cleaned[start-1]
			assert.True(t, prev == ' ' || prev == '\n' || isSentenceEnd(prev),
				"chunk %d starts mid-word at %d", i, start)
		}
	}
}

func TestValidateChunksRejectsBrokenSequences(t *testing.T) {
	chunker := NewChunker()
	opts := DefaultChunkOptions()

	base := []Chunk{
		{ChunkIndex: 0, Content: "one", StartPosition: 0, EndPosition: 3, ContentLength: 3},
		{ChunkIndex: 1, Content: "two", StartPosition: 2, EndPosition: 5, ContentLength: 3},
	}

	t.Run("valid", func(t *testing.T) {
		warnings, err := chunker.ValidateChunks(base, opts)
		require.NoError(t, err)
		assert.Empty(t, warnings)
	})

	t.Run("index gap", func(t *testing.T) {
		broken := []Chunk{base[0], {ChunkIndex: 2, Content: "two", StartPosition: 2, EndPosition: 5}}
		_, err := chunker.ValidateChunks(broken, opts)
		assert.Error(t, err)
	})

	t.Run("empty content", func(t *testing.T) {
		broken := []Chunk{{ChunkIndex: 0, Content: "   ", StartPosition: 0, EndPosition: 3}}
		_, err := chunker.ValidateChunks(broken, opts)
		assert.Error(t, err)
	})

	t.Run("inverted offsets", func(t *testing.T) {
		broken := []Chunk{{ChunkIndex: 0, Content: "one", StartPosition: 5, EndPosition: 3}}
		_, err := chunker.ValidateChunks(broken, opts)
		assert.Error(t, err)
	})

	t.Run("backwards start", func(t *testing.T) {
		broken := []Chunk{
			{ChunkIndex: 0, Content: "one", StartPosition: 10, EndPosition: 13},
			{ChunkIndex: 1, Content: "two", StartPosition: 2, EndPosition: 5},
		}
		_, err := chunker.ValidateChunks(broken, opts)
		assert.Error(t, err)
	})

	t.Run("oversized chunk warns", func(t *testing.T) {
		oversized := []Chunk{{
			ChunkIndex:    0,
			Content:       strings.Repeat("x", 1400),
			StartPosition: 0,
			EndPosition:   1400,
			ContentLength: 1400,
		}}
		warnings, err := chunker.ValidateChunks(oversized, opts)
		require.NoError(t, err)
		assert.Len(t, warnings, 1)
	})
}

func TestChunkOverlapClampedToHalfSize(t *testing.T) {
	chunker := NewChunker()
	opts := ChunkOptions{ChunkSize: 100, ChunkOverlap: 500}

	text := strings.Repeat("word ", 200)

	chunks := chunker.Chunk(text, "doc-clamp", opts)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].StartPosition, chunks[i-1].StartPosition,
			"window must keep advancing even with an oversized overlap")
	}
}

func TestOptimizeChunkSizeStaysInRange(t *testing.T) {
	chunker := NewChunker()

	cases := []struct {
		name      string
		text      string
		dimension int
	}{
		{"short words", strings.Repeat("go ", 500), 768},
		{"long words", strings.Repeat("electroencephalography ", 200), 768},
		{"small dimension", strings.Repeat("some average words here ", 100), 64},
		{"large dimension", strings.Repeat("some average words here ", 100), 4096},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			size := chunker.OptimizeChunkSize(tc.text, tc.dimension)
			assert.GreaterOrEqual(t, size, 500)
			assert.LessOrEqual(t, size, 2000)
		})
	}

	assert.Equal(t, 1000, chunker.OptimizeChunkSize("", 768))
}

func TestChunkIDFormat(t *testing.T) {
	assert.Equal(t, "abc_chunk_7", chunkID("abc", 7))
	assert.Equal(t, fmt.Sprintf("%s_chunk_%d", "doc", 0), chunkID("doc", 0))
}
