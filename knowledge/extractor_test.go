package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corpus_back/storage"
)

func newTestRegistry(t *testing.T) (*ExtractorRegistry, *storage.LocalStorage) {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewExtractorRegistry(files), files
}

func storeFile(t *testing.T, files *storage.LocalStorage, name string, data []byte) string {
	t.Helper()
	ctx := context.Background()
	tempPath, err := files.SaveTemp(ctx, data, name)
	require.NoError(t, err)
	finalPath, err := files.MoveToFinal(ctx, tempPath)
	require.NoError(t, err)
	return finalPath
}

func TestExtractPlainText(t *testing.T) {
	registry, files := newTestRegistry(t)
	path := storeFile(t, files, "notes.txt", []byte("line one\nline two"))

	text, err := registry.Extract(context.Background(), path, FileTypeText)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", text)
}

func TestExtractMarkdownUsesPlainTextExtractor(t *testing.T) {
	registry, files := newTestRegistry(t)
	path := storeFile(t, files, "readme.md", []byte("# Title\n\nBody text."))

	text, err := registry.Extract(context.Background(), path, FileTypeMarkdown)
	require.NoError(t, err)
	assert.Contains(t, text, "# Title")
}

func TestExtractStripsUTF8BOM(t *testing.T) {
	registry, files := newTestRegistry(t)
	path := storeFile(t, files, "bom.txt", append([]byte{0xEF, 0xBB, 0xBF}, []byte("content")...))

	text, err := registry.Extract(context.Background(), path, FileTypeText)
	require.NoError(t, err)
	assert.Equal(t, "content", text)
}

func TestExtractUnregisteredType(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.Extract(context.Background(), "whatever.pdf", FileTypePDF)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnsupportedFormat))
}

func TestExtractInvalidUTF8(t *testing.T) {
	registry, files := newTestRegistry(t)
	path := storeFile(t, files, "binary.txt", []byte{0xFF, 0xFE, 0x00, 0x80})

	_, err := registry.Extract(context.Background(), path, FileTypeText)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindExtractionFailed))
}

func TestExtractMissingFile(t *testing.T) {
	registry, _ := newTestRegistry(t)

	_, err := registry.Extract(context.Background(), "/nonexistent/file.txt", FileTypeText)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindExtractionFailed))
}

type stubExtractor struct{ text string }

func (s *stubExtractor) Extract(ctx context.Context, filePath string, fileType FileType) (string, error) {
	return s.text, nil
}

func TestRegisterReplacesExtractor(t *testing.T) {
	registry, _ := newTestRegistry(t)
	registry.Register(FileTypePDF, &stubExtractor{text: "pdf body"})

	text, err := registry.Extract(context.Background(), "any.pdf", FileTypePDF)
	require.NoError(t, err)
	assert.Equal(t, "pdf body", text)
}
