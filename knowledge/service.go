package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/gorm"

	"corpus_back/cache"
	"corpus_back/embeddings"
	"corpus_back/storage"
	"corpus_back/vectors"
)

// Service owns one processing and search engine per knowledge base.
// Engines are built lazily from the base's stored configuration and kept
// for the life of the process.
type Service struct {
	repo       *Repository
	files      storage.FileStorage
	extractors *ExtractorRegistry
	defaults   Config
	results    *cache.ValueCache

	mu      sync.Mutex
	engines map[uint64]*engine
}

type engine struct {
	cfg      Config
	embedder *embeddings.Enhanced
	store    vectors.Store
	pipeline *Pipeline
	search   *SearchFlow
}

// KnowledgeBaseStats is the overview aggregate for one base.
type KnowledgeBaseStats struct {
	KnowledgeBaseID uint64                   `json:"knowledge_base_id"`
	DocumentCounts  map[DocumentStatus]int64 `json:"document_counts"`
	TotalDocuments  int64                    `json:"total_documents"`
	TotalChunks     int64                    `json:"total_chunks"`
	VectorCount     int64                    `json:"vector_count,omitempty"`
	EmbedderMetrics embeddings.Metrics       `json:"embedder_metrics"`
}

// NewServiceFromEnv wires the service from environment configuration:
// metadata database, file storage, redis result cache and process-wide
// embedding/vector defaults.
func NewServiceFromEnv(db *gorm.DB) (*Service, error) {
	repo, err := NewRepository(db)
	if err != nil {
		return nil, err
	}
	files, err := storage.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("knowledge: init file storage: %w", err)
	}

	var results *cache.ValueCache
	if cache.Enabled() {
		client, redisErr := cache.GetRedisClient()
		if redisErr != nil {
			log.Printf("knowledge: redis unavailable, search caching disabled: %v", redisErr)
		} else {
			results = cache.NewValueCache(client, "kb:search", 30*time.Second)
		}
	}

	return &Service{
		repo:       repo,
		files:      files,
		extractors: NewExtractorRegistry(files),
		defaults:   defaultConfigFromEnv(),
		results:    results,
		engines:    make(map[uint64]*engine),
	}, nil
}

// Repository exposes the metadata layer for read-side handlers.
func (s *Service) Repository() *Repository {
	return s.repo
}

// Extractors allows callers to plug in binary-format extractors.
func (s *Service) Extractors() *ExtractorRegistry {
	return s.extractors
}

// CreateKnowledgeBase persists a new base after checking its config
// sections decode and validate.
func (s *Service) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if kb.Name == "" {
		return newError(KindValidation, "knowledge base name is required")
	}
	if _, err := configFromRecord(s.defaults, kb); err != nil {
		return err
	}
	return s.repo.CreateKnowledgeBase(ctx, kb)
}

// ListKnowledgeBases returns all bases.
func (s *Service) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error) {
	return s.repo.ListKnowledgeBases(ctx)
}

// DeleteKnowledgeBase drops the base, its documents and its vector
// collection.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, kbID uint64) error {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return err
	}
	docs, err := s.repo.ListDocuments(ctx, kbID)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := eng.pipeline.DeleteDocument(ctx, doc.ID); err != nil {
			return err
		}
	}
	if err := eng.store.DropCollection(ctx, CollectionName(kbID)); err != nil {
		log.Printf("knowledge: drop collection for base %d: %v", kbID, err)
	}
	eng.search.InvalidateCache(ctx)
	if err := s.repo.DeleteKnowledgeBase(ctx, kbID); err != nil {
		return err
	}
	s.dropEngine(kbID)
	return nil
}

// ProcessFile ingests an upload into the given knowledge base.
func (s *Service) ProcessFile(ctx context.Context, kbID uint64, upload FileUpload) ProcessResult {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return ProcessResult{Success: false, Status: StatusFailed, Error: AsProcessError(err)}
	}
	result := eng.pipeline.ProcessFile(ctx, upload)
	if result.Success {
		eng.search.InvalidateCache(ctx)
	}
	return result
}

// ReprocessDocument re-runs the pipeline for an existing document.
func (s *Service) ReprocessDocument(ctx context.Context, kbID uint64, documentID string) ProcessResult {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return ProcessResult{Success: false, DocumentID: documentID, Status: StatusFailed, Error: AsProcessError(err)}
	}
	result := eng.pipeline.ReprocessDocument(ctx, documentID)
	eng.search.InvalidateCache(ctx)
	return result
}

// GetProcessingStatus returns the latest run record for a document.
func (s *Service) GetProcessingStatus(ctx context.Context, kbID uint64, documentID string) (*ProcessingStatus, error) {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return nil, err
	}
	return eng.pipeline.GetProcessingStatus(ctx, documentID)
}

// CancelProcessing marks the active run for a document as failed.
func (s *Service) CancelProcessing(ctx context.Context, kbID uint64, documentID string) error {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return err
	}
	return eng.pipeline.CancelProcessing(ctx, documentID)
}

// DeleteDocument removes a document and everything derived from it.
func (s *Service) DeleteDocument(ctx context.Context, kbID uint64, documentID string) error {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return err
	}
	if err := eng.pipeline.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	eng.search.InvalidateCache(ctx)
	return nil
}

// DeleteDocumentChunk removes a single chunk and its vector.
func (s *Service) DeleteDocumentChunk(ctx context.Context, kbID uint64, chunkID string) error {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return err
	}
	if err := eng.pipeline.DeleteDocumentChunk(ctx, chunkID); err != nil {
		return err
	}
	eng.search.InvalidateCache(ctx)
	return nil
}

// Search runs semantic retrieval against a knowledge base.
func (s *Service) Search(ctx context.Context, kbID uint64, req SearchRequest) (*SearchResponse, error) {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return nil, err
	}
	return eng.search.Search(ctx, req)
}

// GetSimilarDocuments finds documents related to an existing one.
func (s *Service) GetSimilarDocuments(ctx context.Context, kbID uint64, documentID string, limit int) ([]SearchResult, error) {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return nil, err
	}
	return eng.search.GetSimilarDocuments(ctx, documentID, limit)
}

// Stats aggregates document, chunk and vector counters for one base.
func (s *Service) Stats(ctx context.Context, kbID uint64) (*KnowledgeBaseStats, error) {
	eng, err := s.engineFor(ctx, kbID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountDocumentsByStatus(ctx, kbID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.repo.SumChunkCounts(ctx, kbID)
	if err != nil {
		return nil, err
	}
	stats := &KnowledgeBaseStats{
		KnowledgeBaseID: kbID,
		DocumentCounts:  counts,
		TotalChunks:     chunks,
		EmbedderMetrics: eng.embedder.Metrics(),
	}
	for _, count := range counts {
		stats.TotalDocuments += count
	}
	if collStats, statsErr := eng.store.GetCollectionStats(ctx, CollectionName(kbID)); statsErr == nil {
		stats.VectorCount = collStats.VectorCount
	}
	return stats, nil
}

// Close releases every engine's embedder queue and vector store handle.
func (s *Service) Close() {
	s.mu.Lock()
	engines := make([]*engine, 0, len(s.engines))
	for _, eng := range s.engines {
		engines = append(engines, eng)
	}
	s.engines = make(map[uint64]*engine)
	s.mu.Unlock()

	for _, eng := range engines {
		eng.embedder.Close()
		if err := eng.store.Disconnect(context.Background()); err != nil {
			log.Printf("knowledge: disconnect vector store: %v", err)
		}
	}
}

func (s *Service) engineFor(ctx context.Context, kbID uint64) (*engine, error) {
	s.mu.Lock()
	if eng, ok := s.engines[kbID]; ok {
		s.mu.Unlock()
		return eng, nil
	}
	s.mu.Unlock()

	kb, err := s.repo.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newError(KindValidation, "knowledge base not found").WithDetail("knowledge_base_id", kbID)
		}
		return nil, fmt.Errorf("knowledge: load knowledge base %d: %w", kbID, err)
	}
	cfg, err := configFromRecord(s.defaults, kb)
	if err != nil {
		return nil, err
	}

	base, err := embeddings.New(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("knowledge: build embedder for base %d: %w", kbID, err)
	}
	embedder := embeddings.NewEnhanced(base, cfg.Embedding)

	vectorCfg := cfg.Vector
	if vectorCfg.Kind == "local" {
		vectorCfg.Path = filepath.Join(vectorCfg.Path, CollectionName(kbID))
	}
	store, err := vectors.New(vectorCfg)
	if err != nil {
		embedder.Close()
		return nil, fmt.Errorf("knowledge: build vector store for base %d: %w", kbID, err)
	}
	if err := store.Connect(ctx); err != nil {
		embedder.Close()
		return nil, fmt.Errorf("knowledge: connect vector store for base %d: %w", kbID, err)
	}

	eng := &engine{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		pipeline: NewPipeline(s.repo, s.files, s.extractors, embedder, store, cfg, kbID),
		search:   NewSearchFlow(s.repo, embedder, store, s.results, cfg, kbID),
	}

	s.mu.Lock()
	if existing, ok := s.engines[kbID]; ok {
		s.mu.Unlock()
		embedder.Close()
		if disconnectErr := store.Disconnect(ctx); disconnectErr != nil {
			log.Printf("knowledge: disconnect duplicate vector store: %v", disconnectErr)
		}
		return existing, nil
	}
	s.engines[kbID] = eng
	s.mu.Unlock()
	return eng, nil
}

func (s *Service) dropEngine(kbID uint64) {
	s.mu.Lock()
	eng, ok := s.engines[kbID]
	delete(s.engines, kbID)
	s.mu.Unlock()
	if !ok {
		return
	}
	eng.embedder.Close()
	if err := eng.store.Disconnect(context.Background()); err != nil {
		log.Printf("knowledge: disconnect vector store for base %d: %v", kbID, err)
	}
}
