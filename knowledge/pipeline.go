package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"corpus_back/embeddings"
	"corpus_back/storage"
	"corpus_back/vectors"
)

const textPreviewLength = 200

// FileUpload is the inbound payload for document processing. FileType is
// inferred from the name extension when left empty.
type FileUpload struct {
	Name     string
	FileType FileType
	Data     []byte
}

// Pipeline runs the staged document processing flow for one knowledge
// base: validate, store the file, extract, chunk, vectorize, persist.
type Pipeline struct {
	repo       *Repository
	files      storage.FileStorage
	extractors *ExtractorRegistry
	chunker    *Chunker
	embedder   embeddings.Embedder
	store      vectors.Store
	cfg        Config
	kbID       uint64
	collection string
}

func NewPipeline(repo *Repository, files storage.FileStorage, extractors *ExtractorRegistry,
	embedder embeddings.Embedder, store vectors.Store, cfg Config, kbID uint64) *Pipeline {
	return &Pipeline{
		repo:       repo,
		files:      files,
		extractors: extractors,
		chunker:    NewChunker(),
		embedder:   embedder,
		store:      store,
		cfg:        cfg,
		kbID:       kbID,
		collection: CollectionName(kbID),
	}
}

// CollectionName derives the vector collection for a knowledge base.
func CollectionName(kbID uint64) string {
	return fmt.Sprintf("kb_%d", kbID)
}

// ProcessFile validates and stores an upload, then runs the stage
// sequence. Failures are reported through the result, not raised.
func (p *Pipeline) ProcessFile(ctx context.Context, upload FileUpload) ProcessResult {
	if err := p.validateUpload(upload); err != nil {
		return ProcessResult{Success: false, Status: StatusFailed, Error: AsProcessError(err)}
	}

	fileType := upload.FileType
	if fileType == "" {
		fileType = InferFileType(upload.Name)
	}

	documentID := uuid.NewString()

	tempPath, err := p.files.SaveTemp(ctx, upload.Data, upload.Name)
	if err != nil {
		wrapped := wrapError(KindProcessing, "failed to store uploaded file", err)
		return ProcessResult{Success: false, Status: StatusFailed, Error: wrapped}
	}

	checksum := sha256.Sum256(upload.Data)

	finalPath, err := p.files.MoveToFinal(ctx, tempPath)
	if err != nil {
		if cleanupErr := p.files.Delete(ctx, tempPath); cleanupErr != nil {
			log.Printf("knowledge: cleanup temp file %s: %v", tempPath, cleanupErr)
		}
		wrapped := wrapError(KindProcessing, "failed to finalize uploaded file", err)
		return ProcessResult{Success: false, Status: StatusFailed, Error: wrapped}
	}

	doc := &Document{
		ID:              documentID,
		KnowledgeBaseID: p.kbID,
		FileName:        filepath.Base(finalPath),
		OriginalName:    upload.Name,
		FileType:        fileType,
		FileSize:        int64(len(upload.Data)),
		UploadTime:      time.Now().UTC(),
		Status:          StatusUploading,
		FilePath:        finalPath,
		Checksum:        hex.EncodeToString(checksum[:]),
	}
	if err := p.repo.CreateDocument(ctx, doc); err != nil {
		wrapped := wrapError(KindProcessing, "failed to persist document metadata", err)
		return ProcessResult{Success: false, Status: StatusFailed, Error: wrapped}
	}

	return p.run(ctx, doc)
}

// ReprocessDocument purges a document's derived data and runs the stages
// again from extraction. Rejected while another run is in flight.
func (p *Pipeline) ReprocessDocument(ctx context.Context, documentID string) ProcessResult {
	doc, err := p.repo.GetDocument(ctx, documentID)
	if err != nil {
		wrapped := wrapError(KindValidation, "document not found", err).WithDetail("document_id", documentID)
		return ProcessResult{Success: false, DocumentID: documentID, Status: StatusFailed, Error: wrapped}
	}
	if doc.Status == StatusProcessing {
		failure := newError(KindValidation, "document is already being processed").
			WithDetail("document_id", documentID)
		return ProcessResult{Success: false, DocumentID: documentID, Status: doc.Status, Error: failure}
	}

	if err := p.purgeDerivedData(ctx, doc); err != nil {
		wrapped := wrapError(KindProcessing, "failed to purge previous processing output", err)
		return ProcessResult{Success: false, DocumentID: documentID, Status: doc.Status, Error: wrapped}
	}

	return p.run(ctx, doc)
}

// GetProcessingStatus returns the most recent run record for a document.
func (p *Pipeline) GetProcessingStatus(ctx context.Context, documentID string) (*ProcessingStatus, error) {
	return p.repo.GetLatestProcessingStatus(ctx, documentID)
}

// CancelProcessing marks the active run as failed. The marker is advisory;
// an in-flight stage finishes its current operation before the next run
// observes the state.
func (p *Pipeline) CancelProcessing(ctx context.Context, documentID string) error {
	status, err := p.repo.GetLatestProcessingStatus(ctx, documentID)
	if err != nil {
		return wrapError(KindValidation, "no processing run found for document", err).
			WithDetail("document_id", documentID)
	}
	if status.Status != StatusProcessing {
		return newError(KindValidation, "document is not being processed").
			WithDetail("document_id", documentID)
	}
	now := time.Now().UTC()
	cancelErr := newError(KindProcessing, "cancelled by user")
	if err := p.repo.UpdateProcessingStatus(ctx, status.ID, map[string]interface{}{
		"status":   StatusFailed,
		"end_time": &now,
		"error":    marshalError(cancelErr),
	}); err != nil {
		return err
	}
	return p.repo.UpdateDocument(ctx, documentID, map[string]interface{}{"status": StatusFailed})
}

// DeleteDocument removes the document together with its chunks, vectors,
// status history and stored file. Vector and file deletion failures are
// logged, not raised, so metadata never outlives the request.
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := p.repo.GetDocument(ctx, documentID)
	if err != nil {
		return wrapError(KindValidation, "document not found", err).WithDetail("document_id", documentID)
	}
	if err := p.store.DeleteDocumentVectors(ctx, p.collection, documentID); err != nil {
		log.Printf("knowledge: delete vectors for document %s: %v", documentID, err)
	}
	if err := p.repo.DeleteDocumentChunks(ctx, documentID); err != nil {
		return err
	}
	if err := p.repo.DeleteDocumentStatuses(ctx, documentID); err != nil {
		return err
	}
	if err := p.repo.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if err := p.files.Delete(ctx, doc.FilePath); err != nil {
		log.Printf("knowledge: delete stored file %s: %v", doc.FilePath, err)
	}
	return nil
}

// DeleteDocumentChunk removes one chunk row and its vector, keeping the
// document's chunk counter in step.
func (p *Pipeline) DeleteDocumentChunk(ctx context.Context, chunkID string) error {
	chunk, err := p.repo.GetChunk(ctx, chunkID)
	if err != nil {
		return wrapError(KindValidation, "chunk not found", err).WithDetail("chunk_id", chunkID)
	}
	vectorID := chunk.VectorID
	if vectorID == "" {
		vectorID = chunk.ID
	}
	if err := p.store.DeleteVector(ctx, p.collection, vectorID); err != nil {
		log.Printf("knowledge: delete vector %s: %v", vectorID, err)
	}
	if err := p.repo.DeleteChunk(ctx, chunkID); err != nil {
		return err
	}
	remaining, err := p.repo.CountChunks(ctx, chunk.DocumentID)
	if err != nil {
		return err
	}
	return p.repo.UpdateDocument(ctx, chunk.DocumentID, map[string]interface{}{"chunk_count": remaining})
}

// InferFileType maps a file name extension to the declared type.
func InferFileType(name string) FileType {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "markdown" {
		ext = "md"
	}
	return FileType(ext)
}

func (p *Pipeline) validateUpload(upload FileUpload) error {
	if strings.TrimSpace(upload.Name) == "" {
		return newError(KindValidation, "file name is required")
	}
	if len(upload.Data) == 0 {
		return newError(KindValidation, "uploaded file is empty")
	}
	if int64(len(upload.Data)) > p.cfg.Processor.MaxFileSizeBytes {
		return newError(KindValidation, "file exceeds the maximum allowed size").
			WithDetail("file_size", len(upload.Data)).
			WithDetail("max_file_size", p.cfg.Processor.MaxFileSizeBytes)
	}
	fileType := upload.FileType
	if fileType == "" {
		fileType = InferFileType(upload.Name)
	}
	if _, ok := supportedFileTypes[fileType]; !ok {
		return newError(KindUnsupportedFormat, fmt.Sprintf("unsupported file type %q", fileType)).
			WithDetail("file_type", string(fileType))
	}
	return nil
}

// run drives the stage sequence for one document and resolves the result.
func (p *Pipeline) run(ctx context.Context, doc *Document) ProcessResult {
	status := &ProcessingStatus{
		DocumentID:  doc.ID,
		Status:      StatusProcessing,
		Progress:    stepProgress[StepValidation],
		CurrentStep: StepValidation,
		StartTime:   time.Now().UTC(),
	}
	if err := p.repo.CreateProcessingStatus(ctx, status); err != nil {
		wrapped := wrapError(KindProcessing, "failed to create processing status", err)
		return ProcessResult{Success: false, DocumentID: doc.ID, Status: StatusFailed, Error: wrapped}
	}
	if err := p.repo.UpdateDocument(ctx, doc.ID, map[string]interface{}{"status": StatusProcessing}); err != nil {
		wrapped := wrapError(KindProcessing, "failed to mark document as processing", err)
		return ProcessResult{Success: false, DocumentID: doc.ID, Status: StatusFailed, Error: wrapped}
	}

	chunkCount, err := p.runStages(ctx, doc, status)
	if err != nil {
		p.cleanupFailedRun(ctx, doc)
		p.markFailed(ctx, doc, status, err)
		return ProcessResult{Success: false, DocumentID: doc.ID, Status: StatusFailed, Error: AsProcessError(err)}
	}

	return ProcessResult{Success: true, DocumentID: doc.ID, Status: StatusCompleted, ChunkCount: chunkCount}
}

func (p *Pipeline) runStages(ctx context.Context, doc *Document, status *ProcessingStatus) (int, error) {
	var text string
	if err := p.runStage(ctx, status, StepTextExtraction, func() error {
		extracted, extractErr := p.extractors.Extract(ctx, doc.FilePath, doc.FileType)
		if extractErr != nil {
			return extractErr
		}
		text = p.chunker.Clean(extracted)
		return nil
	}); err != nil {
		return 0, err
	}
	if strings.TrimSpace(text) == "" {
		return 0, newError(KindExtractionFailed, "document contains no extractable text").
			WithDetail("document_id", doc.ID)
	}

	var chunks []Chunk
	if err := p.runStage(ctx, status, StepTextChunking, func() error {
		opts := DefaultChunkOptions()
		opts.ChunkSize = p.cfg.Embedding.ChunkSize
		opts.ChunkOverlap = p.cfg.Embedding.ChunkOverlap
		chunks = p.chunker.Chunk(text, doc.ID, opts)
		if len(chunks) == 0 {
			return newError(KindProcessing, "chunking produced no chunks")
		}
		warnings, validateErr := p.chunker.ValidateChunks(chunks, opts)
		if validateErr != nil {
			return validateErr
		}
		for _, warning := range warnings {
			log.Printf("knowledge: chunk warning for document %s: %s", doc.ID, warning)
		}
		return p.repo.CreateChunks(ctx, chunks)
	}); err != nil {
		return 0, err
	}

	var embedded [][]float32
	if err := p.runStage(ctx, status, StepVectorization, func() error {
		texts := make([]string, len(chunks))
		for i, chunk := range chunks {
			texts[i] = chunk.Content
		}
		result, embedErr := p.embedder.EmbedBatch(ctx, texts)
		if embedErr != nil {
			return wrapError(KindVectorizationFailed, "embedding generation failed", embedErr)
		}
		embedded = result
		return nil
	}); err != nil {
		return 0, err
	}

	if err := p.runStage(ctx, status, StepVectorStorage, func() error {
		return p.storeVectors(ctx, doc, chunks, embedded)
	}); err != nil {
		return 0, err
	}

	if err := p.runStage(ctx, status, StepMetadataUpdate, func() error {
		now := time.Now().UTC()
		return p.repo.UpdateDocument(ctx, doc.ID, map[string]interface{}{
			"status":       StatusCompleted,
			"chunk_count":  len(chunks),
			"text_preview": truncateRunes(text, textPreviewLength),
			"completed_at": &now,
		})
	}); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	if err := p.repo.UpdateProcessingStatus(ctx, status.ID, map[string]interface{}{
		"status":       StatusCompleted,
		"progress":     stepProgress[StepCompletion],
		"current_step": StepCompletion,
		"end_time":     &now,
	}); err != nil {
		return 0, wrapError(KindProcessing, "failed to finalize processing status", err)
	}

	return len(chunks), nil
}

// runStage records the stage entry (progress is set before the work starts)
// and retries transient failures with a linear backoff.
func (p *Pipeline) runStage(ctx context.Context, status *ProcessingStatus, step ProcessingStep, fn func() error) error {
	if err := p.repo.UpdateProcessingStatus(ctx, status.ID, map[string]interface{}{
		"progress":     stepProgress[step],
		"current_step": step,
	}); err != nil {
		return wrapError(KindProcessing, "failed to record stage progress", err)
	}

	delay := time.Duration(p.cfg.Processor.RetryDelayMs) * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= p.cfg.Processor.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wrapError(KindProcessing, fmt.Sprintf("stage %s aborted", step), ctx.Err())
			case <-time.After(delay * time.Duration(attempt)):
			}
			log.Printf("knowledge: retrying stage %s (attempt %d/%d)", step, attempt, p.cfg.Processor.MaxRetries)
		}
		if err := fn(); err != nil {
			lastErr = err
			if IsKind(err, KindValidation) || IsKind(err, KindUnsupportedFormat) {
				break
			}
			continue
		}
		return nil
	}
	return wrapError(KindProcessing, fmt.Sprintf("stage %s failed", step), lastErr).
		WithDetail("step", string(step))
}

func (p *Pipeline) storeVectors(ctx context.Context, doc *Document, chunks []Chunk, embedded [][]float32) error {
	if len(embedded) != len(chunks) {
		return newError(KindVectorizationFailed, "embedding count does not match chunk count").
			WithDetail("chunks", len(chunks)).
			WithDetail("vectors", len(embedded))
	}
	if err := p.store.CreateCollection(ctx, p.collection, p.embedder.Dimension()); err != nil {
		return err
	}
	if err := p.store.CreateIndex(ctx, p.collection); err != nil {
		return err
	}
	if err := p.store.LoadCollection(ctx, p.collection); err != nil {
		return err
	}

	// Point ids are fresh UUIDs rather than chunk ids: Qdrant only accepts
	// unsigned integers or UUIDs as point ids.
	records := make([]vectors.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = vectors.Record{
			ID:     uuid.NewString(),
			Vector: embedded[i],
			Payload: map[string]interface{}{
				"document_id": doc.ID,
				"chunk_index": chunk.ChunkIndex,
				"file_name":   doc.OriginalName,
				"file_type":   string(doc.FileType),
				"upload_time": doc.UploadTime.Format(time.RFC3339),
				"preview":     truncateRunes(chunk.Content, textPreviewLength),
			},
		}
	}

	ids, err := p.store.InsertVectors(ctx, p.collection, records)
	if err != nil {
		return wrapError(KindVectorizationFailed, "vector storage failed", err)
	}
	// Backfill runs after the insert so a crash leaves chunks without a
	// vector id rather than pointing at vectors that were never written.
	for i, chunk := range chunks {
		vectorID := records[i].ID
		if i < len(ids) && ids[i] != "" {
			vectorID = ids[i]
		}
		if err := p.repo.SetChunkVectorID(ctx, chunk.ID, vectorID); err != nil {
			return err
		}
	}
	return nil
}

// cleanupFailedRun removes chunks and vectors written during the failed
// run. Secondary failures are logged and swallowed so the original error
// stays visible.
func (p *Pipeline) cleanupFailedRun(ctx context.Context, doc *Document) {
	if err := p.store.DeleteDocumentVectors(ctx, p.collection, doc.ID); err != nil {
		log.Printf("knowledge: cleanup vectors for document %s: %v", doc.ID, err)
	}
	if err := p.repo.DeleteDocumentChunks(ctx, doc.ID); err != nil {
		log.Printf("knowledge: cleanup chunks for document %s: %v", doc.ID, err)
	}
}

func (p *Pipeline) markFailed(ctx context.Context, doc *Document, status *ProcessingStatus, cause error) {
	now := time.Now().UTC()
	if err := p.repo.UpdateProcessingStatus(ctx, status.ID, map[string]interface{}{
		"status":   StatusFailed,
		"end_time": &now,
		"error":    marshalError(AsProcessError(cause)),
	}); err != nil {
		log.Printf("knowledge: record failure for document %s: %v", doc.ID, err)
	}
	if err := p.repo.UpdateDocument(ctx, doc.ID, map[string]interface{}{"status": StatusFailed}); err != nil {
		log.Printf("knowledge: mark document %s failed: %v", doc.ID, err)
	}
}

func (p *Pipeline) purgeDerivedData(ctx context.Context, doc *Document) error {
	if err := p.store.DeleteDocumentVectors(ctx, p.collection, doc.ID); err != nil {
		log.Printf("knowledge: purge vectors for document %s: %v", doc.ID, err)
	}
	if err := p.repo.DeleteDocumentChunks(ctx, doc.ID); err != nil {
		return err
	}
	if err := p.repo.DeleteDocumentStatuses(ctx, doc.ID); err != nil {
		return err
	}
	return p.repo.UpdateDocument(ctx, doc.ID, map[string]interface{}{
		"status":       StatusUploading,
		"chunk_count":  0,
		"completed_at": nil,
	})
}

// AsProcessError coerces any error into the structured form results carry.
func AsProcessError(err error) *Error {
	if err == nil {
		return nil
	}
	if typed, ok := AsError(err); ok {
		return typed
	}
	return wrapError(KindProcessing, err.Error(), err)
}

func marshalError(e *Error) datatypes.JSON {
	if e == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return datatypes.JSON(fmt.Sprintf(`{"message":%q}`, e.Message))
	}
	return datatypes.JSON(data)
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
