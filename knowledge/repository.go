package knowledge

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Repository wraps all metadata persistence for documents, chunks,
// processing status and knowledge bases.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) (*Repository, error) {
	if db == nil {
		return nil, errors.New("knowledge: database handle is required")
	}
	if err := db.AutoMigrate(&KnowledgeBase{}, &Document{}, &Chunk{}, &ProcessingStatus{}); err != nil {
		return nil, fmt.Errorf("knowledge: migrate schema: %w", err)
	}
	return &Repository{db: db}, nil
}

// --- knowledge bases ---

func (r *Repository) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	if err := r.db.WithContext(ctx).Create(kb).Error; err != nil {
		return fmt.Errorf("knowledge: create knowledge base: %w", err)
	}
	return nil
}

func (r *Repository) GetKnowledgeBase(ctx context.Context, id uint64) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := r.db.WithContext(ctx).First(&kb, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &kb, nil
}

func (r *Repository) ListKnowledgeBases(ctx context.Context) ([]KnowledgeBase, error) {
	var bases []KnowledgeBase
	if err := r.db.WithContext(ctx).Order("id asc").Find(&bases).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list knowledge bases: %w", err)
	}
	return bases, nil
}

func (r *Repository) UpdateKnowledgeBase(ctx context.Context, id uint64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&KnowledgeBase{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("knowledge: update knowledge base %d: %w", id, err)
	}
	return nil
}

func (r *Repository) DeleteKnowledgeBase(ctx context.Context, id uint64) error {
	if err := r.db.WithContext(ctx).Delete(&KnowledgeBase{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("knowledge: delete knowledge base %d: %w", id, err)
	}
	return nil
}

// --- documents ---

func (r *Repository) CreateDocument(ctx context.Context, doc *Document) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("knowledge: create document: %w", err)
	}
	return nil
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *Repository) ListDocuments(ctx context.Context, knowledgeBaseID uint64) ([]Document, error) {
	var docs []Document
	if err := r.db.WithContext(ctx).
		Where("knowledge_base_id = ?", knowledgeBaseID).
		Order("upload_time desc").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list documents: %w", err)
	}
	return docs, nil
}

func (r *Repository) UpdateDocument(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("knowledge: update document %s: %w", id, err)
	}
	return nil
}

func (r *Repository) DeleteDocument(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&Document{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("knowledge: delete document %s: %w", id, err)
	}
	return nil
}

// CountDocumentsByStatus aggregates the document lifecycle counters shown
// on the knowledge base overview.
func (r *Repository) CountDocumentsByStatus(ctx context.Context, knowledgeBaseID uint64) (map[DocumentStatus]int64, error) {
	type statusCount struct {
		Status DocumentStatus
		Total  int64
	}
	var rows []statusCount
	if err := r.db.WithContext(ctx).Model(&Document{}).
		Select("status, count(*) as total").
		Where("knowledge_base_id = ?", knowledgeBaseID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("knowledge: count documents by status: %w", err)
	}
	counts := make(map[DocumentStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}

func (r *Repository) SumChunkCounts(ctx context.Context, knowledgeBaseID uint64) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&Document{}).
		Where("knowledge_base_id = ? AND status = ?", knowledgeBaseID, StatusCompleted).
		Select("COALESCE(SUM(chunk_count), 0)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("knowledge: sum chunk counts: %w", err)
	}
	return total, nil
}

// --- chunks ---

func (r *Repository) CreateChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(chunks, 200).Error; err != nil {
		return fmt.Errorf("knowledge: create chunks: %w", err)
	}
	return nil
}

func (r *Repository) GetChunk(ctx context.Context, id string) (*Chunk, error) {
	var chunk Chunk
	if err := r.db.WithContext(ctx).First(&chunk, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (r *Repository) GetChunkByIndex(ctx context.Context, documentID string, index int) (*Chunk, error) {
	var chunk Chunk
	if err := r.db.WithContext(ctx).
		First(&chunk, "document_id = ? AND chunk_index = ?", documentID, index).Error; err != nil {
		return nil, err
	}
	return &chunk, nil
}

func (r *Repository) ListChunks(ctx context.Context, documentID string) ([]Chunk, error) {
	var chunks []Chunk
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index asc").
		Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list chunks for %s: %w", documentID, err)
	}
	return chunks, nil
}

func (r *Repository) SetChunkVectorID(ctx context.Context, chunkID, vectorID string) error {
	if err := r.db.WithContext(ctx).Model(&Chunk{}).
		Where("id = ?", chunkID).
		Update("vector_id", vectorID).Error; err != nil {
		return fmt.Errorf("knowledge: set vector id for chunk %s: %w", chunkID, err)
	}
	return nil
}

func (r *Repository) DeleteChunk(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&Chunk{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("knowledge: delete chunk %s: %w", id, err)
	}
	return nil
}

func (r *Repository) DeleteDocumentChunks(ctx context.Context, documentID string) error {
	if err := r.db.WithContext(ctx).Delete(&Chunk{}, "document_id = ?", documentID).Error; err != nil {
		return fmt.Errorf("knowledge: delete chunks for %s: %w", documentID, err)
	}
	return nil
}

func (r *Repository) CountChunks(ctx context.Context, documentID string) (int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&Chunk{}).
		Where("document_id = ?", documentID).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("knowledge: count chunks for %s: %w", documentID, err)
	}
	return total, nil
}

// --- processing status ---

func (r *Repository) CreateProcessingStatus(ctx context.Context, status *ProcessingStatus) error {
	if err := r.db.WithContext(ctx).Create(status).Error; err != nil {
		return fmt.Errorf("knowledge: create processing status: %w", err)
	}
	return nil
}

func (r *Repository) GetLatestProcessingStatus(ctx context.Context, documentID string) (*ProcessingStatus, error) {
	var status ProcessingStatus
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("id desc").
		First(&status).Error; err != nil {
		return nil, err
	}
	return &status, nil
}

func (r *Repository) UpdateProcessingStatus(ctx context.Context, id uint64, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&ProcessingStatus{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fmt.Errorf("knowledge: update processing status %d: %w", id, err)
	}
	return nil
}

func (r *Repository) DeleteDocumentStatuses(ctx context.Context, documentID string) error {
	if err := r.db.WithContext(ctx).Delete(&ProcessingStatus{}, "document_id = ?", documentID).Error; err != nil {
		return fmt.Errorf("knowledge: delete processing statuses for %s: %w", documentID, err)
	}
	return nil
}
