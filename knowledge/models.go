package knowledge

import (
	"time"

	"gorm.io/datatypes"
)

// FileType identifies the declared format of an uploaded document.
type FileType string

const (
	FileTypePDF      FileType = "pdf"
	FileTypeDOCX     FileType = "docx"
	FileTypeXLSX     FileType = "xlsx"
	FileTypePPTX     FileType = "pptx"
	FileTypeText     FileType = "txt"
	FileTypeMarkdown FileType = "md"
)

var supportedFileTypes = map[FileType]struct{}{
	FileTypePDF:      {},
	FileTypeDOCX:     {},
	FileTypeXLSX:     {},
	FileTypePPTX:     {},
	FileTypeText:     {},
	FileTypeMarkdown: {},
}

// DocumentStatus tracks a document through its lifecycle.
type DocumentStatus string

const (
	StatusUploading  DocumentStatus = "uploading"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// ProcessingStep names the pipeline stage a run has entered. The progress
// value is recorded when the stage begins, not when it finishes.
type ProcessingStep string

const (
	StepValidation     ProcessingStep = "validation"
	StepTextExtraction ProcessingStep = "text_extraction"
	StepTextChunking   ProcessingStep = "text_chunking"
	StepVectorization  ProcessingStep = "vectorization"
	StepVectorStorage  ProcessingStep = "vector_storage"
	StepMetadataUpdate ProcessingStep = "metadata_update"
	StepCompletion     ProcessingStep = "completion"
)

var stepProgress = map[ProcessingStep]int{
	StepValidation:     0,
	StepTextExtraction: 10,
	StepTextChunking:   30,
	StepVectorization:  50,
	StepVectorStorage:  80,
	StepMetadataUpdate: 95,
	StepCompletion:     100,
}

// Document holds the metadata row for one uploaded file.
type Document struct {
	ID              string         `gorm:"primaryKey;size:64" json:"id"`
	KnowledgeBaseID uint64         `gorm:"not null;index:idx_kb_document" json:"knowledge_base_id"`
	FileName        string         `gorm:"size:255;not null" json:"file_name"`
	OriginalName    string         `gorm:"size:255;not null" json:"original_name"`
	FileType        FileType       `gorm:"size:16;not null" json:"file_type"`
	FileSize        int64          `gorm:"not null" json:"file_size"`
	UploadTime      time.Time      `gorm:"not null" json:"upload_time"`
	Status          DocumentStatus `gorm:"size:16;not null;default:'uploading'" json:"status"`
	ChunkCount      int            `gorm:"not null;default:0" json:"chunk_count"`
	FilePath        string         `gorm:"size:512;not null" json:"file_path"`
	TextPreview     string         `gorm:"size:500" json:"text_preview"`
	Checksum        string         `gorm:"size:64" json:"checksum"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (Document) TableName() string {
	return "kb_documents"
}

// Chunk is one contiguous slice of a document's extracted text. Its ID is
// deterministic (document id + ordinal) so vector records can be keyed by it.
type Chunk struct {
	ID            string    `gorm:"primaryKey;size:80" json:"id"`
	DocumentID    string    `gorm:"size:64;not null;index:idx_document_chunk" json:"document_id"`
	ChunkIndex    int       `gorm:"not null;index:idx_document_chunk" json:"chunk_index"`
	Content       string    `gorm:"type:text;not null" json:"content"`
	ContentLength int       `gorm:"not null" json:"content_length"`
	StartPosition int       `gorm:"not null" json:"start_position"`
	EndPosition   int       `gorm:"not null" json:"end_position"`
	VectorID      string    `gorm:"size:128" json:"vector_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Chunk) TableName() string {
	return "kb_chunks"
}

// ProcessingStatus is the per-run progress record for one document.
type ProcessingStatus struct {
	ID          uint64         `gorm:"primaryKey" json:"id"`
	DocumentID  string         `gorm:"size:64;not null;index" json:"document_id"`
	Status      DocumentStatus `gorm:"size:16;not null" json:"status"`
	Progress    int            `gorm:"not null;default:0" json:"progress"`
	CurrentStep ProcessingStep `gorm:"size:32" json:"current_step"`
	StartTime   time.Time      `gorm:"not null" json:"start_time"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	Error       datatypes.JSON `gorm:"type:json" json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (ProcessingStatus) TableName() string {
	return "kb_processing_status"
}

// KnowledgeBase is the per-tenant configuration row. The config columns hold
// JSON projections of the embedding, vector, processor and reranker configs.
type KnowledgeBase struct {
	ID              uint64         `gorm:"primaryKey" json:"id"`
	Name            string         `gorm:"size:200;not null" json:"name"`
	Description     *string        `gorm:"size:500" json:"description,omitempty"`
	EmbeddingConfig datatypes.JSON `gorm:"type:json" json:"embedding_config,omitempty"`
	VectorConfig    datatypes.JSON `gorm:"type:json" json:"vector_config,omitempty"`
	ProcessorConfig datatypes.JSON `gorm:"type:json" json:"processor_config,omitempty"`
	RerankerConfig  datatypes.JSON `gorm:"type:json" json:"reranker_config,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (KnowledgeBase) TableName() string {
	return "kb_knowledge_bases"
}

// SearchResult is one enriched, ranked hit returned by the search flow.
type SearchResult struct {
	ChunkID     string    `json:"chunk_id"`
	DocumentID  string    `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	FileName    string    `json:"file_name"`
	FileType    FileType  `json:"file_type"`
	Content     string    `json:"content"`
	Highlighted string    `json:"highlighted,omitempty"`
	Score       float64   `json:"score"`
	UploadTime  time.Time `json:"upload_time"`
	FileSize    int64     `json:"file_size"`
}

// SearchResponse carries the ranked results plus query bookkeeping.
type SearchResponse struct {
	Results    []SearchResult `json:"results"`
	TotalCount int            `json:"total_count"`
	ElapsedMs  int64          `json:"elapsed_ms"`
}

// ProcessResult is what ProcessFile and ReprocessDocument resolve to. The
// pipeline never throws across the API boundary; failures land here.
type ProcessResult struct {
	Success    bool           `json:"success"`
	DocumentID string         `json:"document_id,omitempty"`
	Status     DocumentStatus `json:"status"`
	ChunkCount int            `json:"chunk_count,omitempty"`
	Error      *Error         `json:"error,omitempty"`
}
