package knowledge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDocuments(t *testing.T, env *testEnv) (string, string) {
	t.Helper()
	ctx := context.Background()

	dbDoc := env.pipeline.ProcessFile(ctx, FileUpload{
		Name: "databases.txt",
		Data: []byte(strings.Repeat("Databases keep rows in tables and indexes speed up lookups. ", 10)),
	})
	require.True(t, dbDoc.Success, "seed failed: %v", dbDoc.Error)

	poemDoc := env.pipeline.ProcessFile(ctx, FileUpload{
		Name: "poetry.md",
		Data: []byte(strings.Repeat("Moonlight drips over quiet harbors while sailors dream of home. ", 10)),
	})
	require.True(t, poemDoc.Success, "seed failed: %v", poemDoc.Error)

	return dbDoc.DocumentID, poemDoc.DocumentID
}

func TestSearchReturnsRankedResults(t *testing.T) {
	env := newTestEnv(t)
	seedDocuments(t, env)

	response, err := env.search.Search(context.Background(), SearchRequest{
		Query: "databases keep rows in tables and indexes speed up lookups",
		TopK:  5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, response.Results)
	assert.GreaterOrEqual(t, response.TotalCount, len(response.Results))
	assert.GreaterOrEqual(t, response.ElapsedMs, int64(0))

	for i := 1; i < len(response.Results); i++ {
		assert.GreaterOrEqual(t, response.Results[i-1].Score, response.Results[i].Score,
			"results must be sorted by descending score")
	}

	top := response.Results[0]
	assert.Equal(t, "databases.txt", top.FileName)
	assert.Equal(t, FileTypeText, top.FileType)
	assert.NotEmpty(t, top.Content)
	assert.NotEmpty(t, top.ChunkID)
}

func TestSearchValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  SearchRequest
	}{
		{"empty query", SearchRequest{Query: "   "}},
		{"query too long", SearchRequest{Query: strings.Repeat("q", 1001)}},
		{"negative topK", SearchRequest{Query: "ok", TopK: -1}},
		{"topK over max", SearchRequest{Query: "ok", TopK: env.cfg.Vector.MaxTopK + 1}},
		{"threshold below zero", SearchRequest{Query: "ok", Threshold: floatPtr(-0.1)}},
		{"threshold above one", SearchRequest{Query: "ok", Threshold: floatPtr(1.1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.search.Search(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, IsKind(err, KindValidation), "expected a validation failure, got %v", err)
		})
	}
}

func TestSearchDefaultsTopKFromConfig(t *testing.T) {
	env := newTestEnv(t)
	seedDocuments(t, env)

	response, err := env.search.Search(context.Background(), SearchRequest{Query: "rows in tables"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(response.Results), env.cfg.Vector.DefaultTopK)
}

func TestSearchThresholdFiltersResults(t *testing.T) {
	env := newTestEnv(t)
	seedDocuments(t, env)
	ctx := context.Background()

	loose, err := env.search.Search(ctx, SearchRequest{Query: "databases keep rows", Threshold: floatPtr(0.0)})
	require.NoError(t, err)
	strict, err := env.search.Search(ctx, SearchRequest{Query: "databases keep rows", Threshold: floatPtr(0.999)})
	require.NoError(t, err)

	assert.Less(t, strict.TotalCount, loose.TotalCount,
		"a near-exact threshold must remove weak matches")
	for _, result := range strict.Results {
		assert.GreaterOrEqual(t, result.Score, 0.999)
	}
}

func TestSearchTruncatesToTopK(t *testing.T) {
	env := newTestEnv(t)
	seedDocuments(t, env)

	response, err := env.search.Search(context.Background(), SearchRequest{
		Query:     "databases keep rows in tables",
		TopK:      1,
		Threshold: floatPtr(0.0),
	})
	require.NoError(t, err)
	assert.Len(t, response.Results, 1)
	assert.GreaterOrEqual(t, response.TotalCount, 1,
		"total count reflects matches before truncation")
}

func TestSearchFileTypeFilter(t *testing.T) {
	env := newTestEnv(t)
	seedDocuments(t, env)

	response, err := env.search.Search(context.Background(), SearchRequest{
		Query:     "moonlight over quiet harbors",
		Threshold: floatPtr(0.0),
		FileTypes: []FileType{FileTypeMarkdown},
	})
	require.NoError(t, err)
	require.NotEmpty(t, response.Results)
	for _, result := range response.Results {
		assert.Equal(t, FileTypeMarkdown, result.FileType)
	}
}

func TestSearchDateAndSizeFilters(t *testing.T) {
	env := newTestEnv(t)
	seedDocuments(t, env)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	response, err := env.search.Search(ctx, SearchRequest{
		Query:         "databases keep rows",
		Threshold:     floatPtr(0.0),
		UploadedAfter: &future,
	})
	require.NoError(t, err)
	assert.Empty(t, response.Results)

	tiny := int64(1)
	response, err = env.search.Search(ctx, SearchRequest{
		Query:       "databases keep rows",
		Threshold:   floatPtr(0.0),
		MaxFileSize: &tiny,
	})
	require.NoError(t, err)
	assert.Empty(t, response.Results)
}

func TestSearchHighlightsKeywords(t *testing.T) {
	env := newTestEnv(t)
	seedDocuments(t, env)

	response, err := env.search.Search(context.Background(), SearchRequest{
		Query:     "databases indexes",
		Threshold: floatPtr(0.0),
		Highlight: boolPtr(true),
	})
	require.NoError(t, err)
	require.NotEmpty(t, response.Results)

	found := false
	for _, result := range response.Results {
		if strings.Contains(result.Highlighted, "<em>") {
			found = true
			break
		}
	}
	assert.True(t, found, "at least one hit should carry highlight markup")
}

func TestSearchSkipsOrphanedVectors(t *testing.T) {
	env := newTestEnv(t)
	dbID, _ := seedDocuments(t, env)
	ctx := context.Background()

	// Remove the metadata row but leave the vectors behind.
	require.NoError(t, env.repo.DeleteDocumentChunks(ctx, dbID))
	require.NoError(t, env.repo.DeleteDocumentStatuses(ctx, dbID))
	require.NoError(t, env.repo.DeleteDocument(ctx, dbID))

	response, err := env.search.Search(ctx, SearchRequest{
		Query:     "databases keep rows in tables",
		Threshold: floatPtr(0.0),
	})
	require.NoError(t, err)
	for _, result := range response.Results {
		assert.NotEqual(t, dbID, result.DocumentID, "orphaned vectors must be skipped, not surfaced")
	}
}

func TestGetSimilarDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.pipeline.ProcessFile(ctx, FileUpload{
		Name: "intro.txt",
		Data: []byte(strings.Repeat("Relational databases store rows in tables with indexes. ", 10)),
	})
	require.True(t, first.Success)
	second := env.pipeline.ProcessFile(ctx, FileUpload{
		Name: "advanced.txt",
		Data: []byte(strings.Repeat("Relational databases store rows in tables with indexes and views. ", 10)),
	})
	require.True(t, second.Success)

	similar, err := env.search.GetSimilarDocuments(ctx, first.DocumentID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, similar)
	for _, result := range similar {
		assert.NotEqual(t, first.DocumentID, result.DocumentID, "the source document is excluded")
	}

	seen := make(map[string]int)
	for _, result := range similar {
		seen[result.DocumentID]++
	}
	for documentID, count := range seen {
		assert.Equal(t, 1, count, "document %s appears more than once", documentID)
	}
}

func TestGetSimilarDocumentsUnknownDocument(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.search.GetSimilarDocuments(context.Background(), "missing", 5)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValidation))
}

func TestExtractKeywords(t *testing.T) {
	keywords := extractKeywords("How do Databases use indexes, and how do indexes work?")

	assert.Contains(t, keywords, "databases")
	assert.Contains(t, keywords, "indexes")
	assert.NotContains(t, keywords, "a")
	// Duplicates collapse to the first occurrence.
	count := 0
	for _, keyword := range keywords {
		if keyword == "indexes" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.LessOrEqual(t, len(keywords), maxHighlightKeys)
}

func TestExtractKeywordsCapsAtTen(t *testing.T) {
	keywords := extractKeywords("alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu")
	assert.Len(t, keywords, maxHighlightKeys)
}

func TestHighlight(t *testing.T) {
	marked := highlight("Databases use indexes. DATABASES everywhere.", []string{"databases"})
	assert.Equal(t, "<em>Databases</em> use indexes. <em>DATABASES</em> everywhere.", marked)

	assert.Equal(t, "untouched", highlight("untouched", nil))

	// Regex metacharacters in keywords must be treated literally.
	marked = highlight("a+b equals c", []string{"a+b"})
	assert.Equal(t, "<em>a+b</em> equals c", marked)
}

func TestSearchResultContentMatchesChunk(t *testing.T) {
	env := newTestEnv(t)
	seedDocuments(t, env)
	ctx := context.Background()

	response, err := env.search.Search(ctx, SearchRequest{Query: "databases keep rows", Threshold: floatPtr(0.0)})
	require.NoError(t, err)
	require.NotEmpty(t, response.Results)

	top := response.Results[0]
	chunk, err := env.repo.GetChunkByIndex(ctx, top.DocumentID, top.ChunkIndex)
	require.NoError(t, err)
	assert.Equal(t, chunk.Content, top.Content)
}

func TestCacheKeyVariesWithHighlight(t *testing.T) {
	env := newTestEnv(t)

	base := SearchRequest{Query: "indexes"}
	on := base
	on.Highlight = boolPtr(true)
	off := base
	off.Highlight = boolPtr(false)

	topK, threshold := env.search.normalize(base)
	keyOn := env.search.cacheKey(on, topK, threshold)
	keyOff := env.search.cacheKey(off, topK, threshold)

	// Highlighted content is baked into the cached response, so the two
	// variants cannot share a cache entry.
	assert.NotEqual(t, keyOn, keyOff)
}

func TestCacheKeyPrefixIsTerminated(t *testing.T) {
	env := newTestEnv(t)
	other := NewSearchFlow(env.repo, env.embedder, env.store, nil, env.cfg, 10)

	req := SearchRequest{Query: "indexes"}
	topK, threshold := env.search.normalize(req)
	keyOne := env.search.cacheKey(req, topK, threshold)
	keyTen := other.cacheKey(req, topK, threshold)

	// Invalidation scans by collection prefix; kb_1's terminated prefix
	// must not match kb_10's keys.
	assert.True(t, strings.HasPrefix(keyOne, CollectionName(1)+":"))
	assert.False(t, strings.HasPrefix(keyTen, CollectionName(1)+":"))
}

func TestGetSimilarDocumentsClampsOverfetch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.pipeline.ProcessFile(ctx, FileUpload{
		Name: "intro.txt",
		Data: []byte(strings.Repeat("Relational databases store rows in tables with indexes. ", 10)),
	})
	require.True(t, first.Success)
	second := env.pipeline.ProcessFile(ctx, FileUpload{
		Name: "advanced.txt",
		Data: []byte(strings.Repeat("Relational databases store rows in tables with indexes and views. ", 10)),
	})
	require.True(t, second.Success)

	// limit*3 would exceed MaxTopK; the over-fetch clamps instead of
	// tripping top_k validation.
	similar, err := env.search.GetSimilarDocuments(ctx, first.DocumentID, env.cfg.Vector.MaxTopK)
	require.NoError(t, err)
	assert.NotEmpty(t, similar)
}

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }
