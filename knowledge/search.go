package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"corpus_back/cache"
	"corpus_back/embeddings"
	"corpus_back/vectors"
)

const (
	maxQueryLength   = 1000
	maxHighlightKeys = 10
	similarThreshold = 0.3
)

// SearchRequest carries the query plus optional ranking and metadata
// filters. Zero values fall back to the knowledge base configuration.
type SearchRequest struct {
	Query          string     `json:"query"`
	TopK           int        `json:"top_k,omitempty"`
	Threshold      *float64   `json:"threshold,omitempty"`
	FileTypes      []FileType `json:"file_types,omitempty"`
	UploadedAfter  *time.Time `json:"uploaded_after,omitempty"`
	UploadedBefore *time.Time `json:"uploaded_before,omitempty"`
	MinFileSize    *int64     `json:"min_file_size,omitempty"`
	MaxFileSize    *int64     `json:"max_file_size,omitempty"`
	Highlight      *bool      `json:"highlight,omitempty"`
}

// SearchFlow runs semantic retrieval for one knowledge base: embed the
// query, over-fetch from the vector store, enrich from metadata, filter,
// rank and truncate.
type SearchFlow struct {
	repo       *Repository
	embedder   embeddings.Embedder
	store      vectors.Store
	results    *cache.ValueCache
	cfg        Config
	kbID       uint64
	collection string
}

func NewSearchFlow(repo *Repository, embedder embeddings.Embedder, store vectors.Store,
	results *cache.ValueCache, cfg Config, kbID uint64) *SearchFlow {
	return &SearchFlow{
		repo:       repo,
		embedder:   embedder,
		store:      store,
		results:    results,
		cfg:        cfg,
		kbID:       kbID,
		collection: CollectionName(kbID),
	}
}

// Search executes the full retrieval flow for one query.
func (f *SearchFlow) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	started := time.Now()

	req.Query = strings.TrimSpace(req.Query)
	if err := f.validate(req); err != nil {
		return nil, err
	}
	topK, threshold := f.normalize(req)

	cacheKey := f.cacheKey(req, topK, threshold)
	var cached SearchResponse
	if f.results.Get(ctx, &cached, cacheKey) {
		cached.ElapsedMs = time.Since(started).Milliseconds()
		return &cached, nil
	}

	queryVector, err := f.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, wrapError(KindSearchFailed, "failed to embed query", err)
	}

	// Over-fetch so threshold and metadata filters still leave enough
	// candidates to fill topK.
	hits, err := f.store.SearchSimilar(ctx, f.collection, queryVector, topK*2, nil)
	if err != nil {
		return nil, wrapError(KindSearchFailed, "vector search failed", err)
	}

	enriched := f.enrich(ctx, hits)
	filtered := f.filter(enriched, req, threshold)

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Score > filtered[j].Score
	})

	totalCount := len(filtered)
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}

	if f.highlightEnabled(req) {
		keywords := extractKeywords(req.Query)
		for i := range filtered {
			filtered[i].Highlighted = highlight(filtered[i].Content, keywords)
		}
	}

	response := &SearchResponse{
		Results:    filtered,
		TotalCount: totalCount,
		ElapsedMs:  time.Since(started).Milliseconds(),
	}
	f.results.Set(ctx, response, cacheKey)
	return response, nil
}

// GetSimilarDocuments finds documents related to an existing one by
// searching with its stored text preview. The source document is excluded
// and at most one hit per document is kept.
func (f *SearchFlow) GetSimilarDocuments(ctx context.Context, documentID string, limit int) ([]SearchResult, error) {
	doc, err := f.repo.GetDocument(ctx, documentID)
	if err != nil {
		return nil, wrapError(KindValidation, "document not found", err).WithDetail("document_id", documentID)
	}
	if strings.TrimSpace(doc.TextPreview) == "" {
		return nil, newError(KindValidation, "document has no text preview to compare against").
			WithDetail("document_id", documentID)
	}
	if limit <= 0 {
		limit = 5
	}

	// Over-fetch so excluding the source document and deduping still leaves
	// enough hits, but stay inside the validated top_k range.
	topK := limit * 3
	if topK > f.cfg.Vector.MaxTopK {
		topK = f.cfg.Vector.MaxTopK
	}

	threshold := similarThreshold
	resp, err := f.Search(ctx, SearchRequest{
		Query:     doc.TextPreview,
		TopK:      topK,
		Threshold: &threshold,
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, limit)
	results := make([]SearchResult, 0, limit)
	for _, hit := range resp.Results {
		if hit.DocumentID == documentID {
			continue
		}
		if _, dup := seen[hit.DocumentID]; dup {
			continue
		}
		seen[hit.DocumentID] = struct{}{}
		results = append(results, hit)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

// InvalidateCache drops cached search responses for this knowledge base.
// Called after any mutation that changes what a search could return.
func (f *SearchFlow) InvalidateCache(ctx context.Context) {
	// The trailing separator keeps kb_1 from also matching kb_10, kb_11, ...
	f.results.InvalidatePrefix(ctx, f.collection+":")
}

func (f *SearchFlow) validate(req SearchRequest) error {
	if req.Query == "" {
		return newError(KindValidation, "search query must not be empty")
	}
	if len([]rune(req.Query)) > maxQueryLength {
		return newError(KindValidation, "search query exceeds the maximum length").
			WithDetail("max_length", maxQueryLength)
	}
	if req.TopK < 0 || req.TopK > f.cfg.Vector.MaxTopK {
		return newError(KindValidation, "top_k is out of range").
			WithDetail("max_top_k", f.cfg.Vector.MaxTopK)
	}
	if req.Threshold != nil && (*req.Threshold < 0 || *req.Threshold > 1) {
		return newError(KindValidation, "threshold must be between 0 and 1")
	}
	return nil
}

func (f *SearchFlow) normalize(req SearchRequest) (int, float64) {
	topK := req.TopK
	if topK == 0 {
		topK = f.cfg.Vector.DefaultTopK
	}
	threshold := f.cfg.Vector.ScoreThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	return topK, threshold
}

func (f *SearchFlow) highlightEnabled(req SearchRequest) bool {
	if req.Highlight != nil {
		return *req.Highlight
	}
	return f.cfg.Vector.Highlight
}

func (f *SearchFlow) cacheKey(req SearchRequest, topK int, threshold float64) string {
	parts := []string{
		req.Query,
		fmt.Sprintf("k=%d", topK),
		fmt.Sprintf("t=%.4f", threshold),
		fmt.Sprintf("h=%t", f.highlightEnabled(req)),
	}
	for _, ft := range req.FileTypes {
		parts = append(parts, "ft="+string(ft))
	}
	if req.UploadedAfter != nil {
		parts = append(parts, "ua="+req.UploadedAfter.UTC().Format(time.RFC3339))
	}
	if req.UploadedBefore != nil {
		parts = append(parts, "ub="+req.UploadedBefore.UTC().Format(time.RFC3339))
	}
	if req.MinFileSize != nil {
		parts = append(parts, fmt.Sprintf("smin=%d", *req.MinFileSize))
	}
	if req.MaxFileSize != nil {
		parts = append(parts, fmt.Sprintf("smax=%d", *req.MaxFileSize))
	}
	return f.collection + ":" + strings.Join(parts, "|")
}

// enrich joins vector hits with chunk and document metadata. Hits whose
// document row is gone are skipped with a warning; when the metadata store
// itself fails, the vector payload fills in what it can.
func (f *SearchFlow) enrich(ctx context.Context, hits []vectors.SearchHit) []SearchResult {
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		documentID, _ := hit.Payload["document_id"].(string)
		chunkIndex := payloadInt(hit.Payload["chunk_index"])
		if documentID == "" {
			log.Printf("knowledge: search hit %s has no document reference, skipping", hit.ID)
			continue
		}

		result := SearchResult{
			ChunkID:    hit.ID,
			DocumentID: documentID,
			ChunkIndex: chunkIndex,
			Score:      hit.Score,
		}

		doc, err := f.repo.GetDocument(ctx, documentID)
		switch {
		case err == nil:
			result.FileName = doc.OriginalName
			result.FileType = doc.FileType
			result.UploadTime = doc.UploadTime
			result.FileSize = doc.FileSize
		case errors.Is(err, gorm.ErrRecordNotFound):
			log.Printf("knowledge: document %s referenced by vector %s no longer exists, skipping", documentID, hit.ID)
			continue
		default:
			log.Printf("knowledge: load document %s: %v, falling back to vector payload", documentID, err)
			result.FileName, _ = hit.Payload["file_name"].(string)
			if rawType, ok := hit.Payload["file_type"].(string); ok {
				result.FileType = FileType(rawType)
			}
			if rawTime, ok := hit.Payload["upload_time"].(string); ok {
				if parsed, parseErr := time.Parse(time.RFC3339, rawTime); parseErr == nil {
					result.UploadTime = parsed
				}
			}
		}

		if chunk, chunkErr := f.repo.GetChunkByIndex(ctx, documentID, chunkIndex); chunkErr == nil {
			result.Content = chunk.Content
		} else {
			preview, _ := hit.Payload["preview"].(string)
			result.Content = preview
		}

		results = append(results, result)
	}
	return results
}

func (f *SearchFlow) filter(results []SearchResult, req SearchRequest, threshold float64) []SearchResult {
	var typeSet map[FileType]struct{}
	if len(req.FileTypes) > 0 {
		typeSet = make(map[FileType]struct{}, len(req.FileTypes))
		for _, ft := range req.FileTypes {
			typeSet[ft] = struct{}{}
		}
	}

	filtered := results[:0]
	for _, result := range results {
		if result.Score < threshold {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[result.FileType]; !ok {
				continue
			}
		}
		if req.UploadedAfter != nil && result.UploadTime.Before(*req.UploadedAfter) {
			continue
		}
		if req.UploadedBefore != nil && result.UploadTime.After(*req.UploadedBefore) {
			continue
		}
		if req.MinFileSize != nil && result.FileSize < *req.MinFileSize {
			continue
		}
		if req.MaxFileSize != nil && result.FileSize > *req.MaxFileSize {
			continue
		}
		filtered = append(filtered, result)
	}
	return filtered
}

// extractKeywords keeps up to ten distinct query terms longer than one
// character, in order of first appearance.
func extractKeywords(query string) []string {
	fields := strings.Fields(query)
	seen := make(map[string]struct{}, len(fields))
	keywords := make([]string, 0, maxHighlightKeys)
	for _, field := range fields {
		term := strings.ToLower(strings.Trim(field, ".,!?;:\"'()[]{}"))
		if len([]rune(term)) <= 1 {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		keywords = append(keywords, term)
		if len(keywords) >= maxHighlightKeys {
			break
		}
	}
	return keywords
}

// highlight wraps case-insensitive keyword occurrences in <em> tags.
func highlight(content string, keywords []string) string {
	if len(keywords) == 0 {
		return content
	}
	quoted := make([]string, len(keywords))
	for i, keyword := range keywords {
		quoted[i] = regexp.QuoteMeta(keyword)
	}
	pattern, err := regexp.Compile("(?i)(" + strings.Join(quoted, "|") + ")")
	if err != nil {
		return content
	}
	return pattern.ReplaceAllString(content, "<em>$1</em>")
}

func payloadInt(value interface{}) int {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return int(parsed)
		}
	}
	return 0
}
