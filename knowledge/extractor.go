package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"corpus_back/storage"
)

// TextExtractor converts a stored file plus its declared type into plain
// text. Binary-format extractors (PDF, DOCX, ...) plug in through the
// registry; they are not part of this package.
type TextExtractor interface {
	Extract(ctx context.Context, filePath string, fileType FileType) (string, error)
}

// ExtractorRegistry routes extraction by file type.
type ExtractorRegistry struct {
	mu     sync.RWMutex
	byType map[FileType]TextExtractor
}

// NewExtractorRegistry builds a registry with the built-in plain-text
// extractor registered for txt and markdown.
func NewExtractorRegistry(files storage.FileStorage) *ExtractorRegistry {
	registry := &ExtractorRegistry{byType: make(map[FileType]TextExtractor)}
	plain := &plainTextExtractor{files: files}
	registry.Register(FileTypeText, plain)
	registry.Register(FileTypeMarkdown, plain)
	return registry
}

// Register installs or replaces the extractor for a file type.
func (r *ExtractorRegistry) Register(fileType FileType, extractor TextExtractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[fileType] = extractor
}

// Extract dispatches to the registered extractor for the file type.
func (r *ExtractorRegistry) Extract(ctx context.Context, filePath string, fileType FileType) (string, error) {
	r.mu.RLock()
	extractor, ok := r.byType[fileType]
	r.mu.RUnlock()
	if !ok {
		return "", newError(KindUnsupportedFormat,
			fmt.Sprintf("no text extractor registered for file type %q", fileType)).
			WithDetail("file_type", string(fileType))
	}
	text, err := extractor.Extract(ctx, filePath, fileType)
	if err != nil {
		return "", wrapError(KindExtractionFailed, "text extraction failed", err).
			WithDetail("file_type", string(fileType))
	}
	return text, nil
}

type plainTextExtractor struct {
	files storage.FileStorage
}

func (e *plainTextExtractor) Extract(ctx context.Context, filePath string, fileType FileType) (string, error) {
	data, err := e.files.Read(ctx, filePath)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file %s is not valid UTF-8 text", filePath)
	}
	return strings.TrimPrefix(string(data), "\uFEFF"), nil
}
