package knowledge

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Module bundles the knowledge service behind its HTTP routes.
type Module struct {
	service *Service
}

// RegisterRoutes mounts the knowledge base endpoints under /knowledge-bases.
func RegisterRoutes(router *gin.Engine) (*Module, error) {
	db, err := OpenDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	service, err := NewServiceFromEnv(db)
	if err != nil {
		return nil, err
	}

	module := &Module{service: service}

	group := router.Group("/knowledge-bases")
	group.POST("", module.handleCreateKnowledgeBase)
	group.GET("", module.handleListKnowledgeBases)
	group.DELETE("/:kbID", module.handleDeleteKnowledgeBase)
	group.GET("/:kbID/stats", module.handleStats)

	group.POST("/:kbID/documents", module.handleUploadDocument)
	group.GET("/:kbID/documents", module.handleListDocuments)
	group.GET("/:kbID/documents/:docID", module.handleGetDocument)
	group.DELETE("/:kbID/documents/:docID", module.handleDeleteDocument)
	group.POST("/:kbID/documents/:docID/reprocess", module.handleReprocessDocument)
	group.GET("/:kbID/documents/:docID/status", module.handleProcessingStatus)
	group.POST("/:kbID/documents/:docID/cancel", module.handleCancelProcessing)
	group.GET("/:kbID/documents/:docID/chunks", module.handleListChunks)
	group.GET("/:kbID/documents/:docID/similar", module.handleSimilarDocuments)
	group.DELETE("/:kbID/chunks/:chunkID", module.handleDeleteChunk)

	group.POST("/:kbID/search", module.handleSearch)

	return module, nil
}

// Service exposes the underlying service, mainly for shutdown hooks.
func (m *Module) Service() *Service {
	return m.service
}

func parseKnowledgeBaseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Param("kbID")), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid knowledge base id"})
		return 0, false
	}
	return id, true
}

// writeError maps structured failures to HTTP status codes.
func writeError(c *gin.Context, err error) {
	structured, ok := AsError(err)
	if !ok {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		log.Printf("knowledge: request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch structured.Kind {
	case KindValidation:
		status = http.StatusBadRequest
	case KindUnsupportedFormat:
		status = http.StatusUnsupportedMediaType
	case KindExtractionFailed, KindVectorizationFailed, KindProcessing, KindSearchFailed:
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": structured.Message, "kind": structured.Kind, "details": structured.Details})
}

type createKnowledgeBaseRequest struct {
	Name            string          `json:"name" binding:"required"`
	Description     *string         `json:"description"`
	EmbeddingConfig json.RawMessage `json:"embedding_config"`
	VectorConfig    json.RawMessage `json:"vector_config"`
	ProcessorConfig json.RawMessage `json:"processor_config"`
	RerankerConfig  json.RawMessage `json:"reranker_config"`
}

func (m *Module) handleCreateKnowledgeBase(c *gin.Context) {
	var req createKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kb := &KnowledgeBase{
		Name:            strings.TrimSpace(req.Name),
		Description:     req.Description,
		EmbeddingConfig: datatypes.JSON(req.EmbeddingConfig),
		VectorConfig:    datatypes.JSON(req.VectorConfig),
		ProcessorConfig: datatypes.JSON(req.ProcessorConfig),
		RerankerConfig:  datatypes.JSON(req.RerankerConfig),
	}
	if err := m.service.CreateKnowledgeBase(c.Request.Context(), kb); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, kb)
}

func (m *Module) handleListKnowledgeBases(c *gin.Context) {
	bases, err := m.service.ListKnowledgeBases(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"knowledge_bases": bases})
}

func (m *Module) handleDeleteKnowledgeBase(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	if err := m.service.DeleteKnowledgeBase(c.Request.Context(), kbID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (m *Module) handleStats(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	stats, err := m.service.Stats(c.Request.Context(), kbID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (m *Module) handleUploadDocument(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file form field is required"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to open uploaded file"})
		return
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Printf("knowledge: close upload stream: %v", closeErr)
		}
	}()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	upload := FileUpload{
		Name:     fileHeader.Filename,
		FileType: FileType(strings.ToLower(strings.TrimSpace(c.PostForm("file_type")))),
		Data:     data,
	}
	result := m.service.ProcessFile(c.Request.Context(), kbID, upload)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, result)
}

func (m *Module) handleListDocuments(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	docs, err := m.service.Repository().ListDocuments(c.Request.Context(), kbID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (m *Module) handleGetDocument(c *gin.Context) {
	if _, ok := parseKnowledgeBaseID(c); !ok {
		return
	}
	doc, err := m.service.Repository().GetDocument(c.Request.Context(), c.Param("docID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (m *Module) handleDeleteDocument(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	if err := m.service.DeleteDocument(c.Request.Context(), kbID, c.Param("docID")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (m *Module) handleReprocessDocument(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	result := m.service.ReprocessDocument(c.Request.Context(), kbID, c.Param("docID"))
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
		if result.Error != nil && result.Error.Kind == KindValidation {
			status = http.StatusConflict
		}
	}
	c.JSON(status, result)
}

func (m *Module) handleProcessingStatus(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	status, err := m.service.GetProcessingStatus(c.Request.Context(), kbID, c.Param("docID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (m *Module) handleCancelProcessing(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	if err := m.service.CancelProcessing(c.Request.Context(), kbID, c.Param("docID")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

func (m *Module) handleListChunks(c *gin.Context) {
	if _, ok := parseKnowledgeBaseID(c); !ok {
		return
	}
	chunks, err := m.service.Repository().ListChunks(c.Request.Context(), c.Param("docID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

func (m *Module) handleDeleteChunk(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	if err := m.service.DeleteDocumentChunk(c.Request.Context(), kbID, c.Param("chunkID")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (m *Module) handleSimilarDocuments(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	limit := 5
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	results, err := m.service.GetSimilarDocuments(c.Request.Context(), kbID, c.Param("docID"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (m *Module) handleSearch(c *gin.Context) {
	kbID, ok := parseKnowledgeBaseID(c)
	if !ok {
		return
	}
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	response, err := m.service.Search(c.Request.Context(), kbID, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}
