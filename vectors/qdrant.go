package vectors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// QdrantStore talks to a remote Qdrant service over its REST API. Every
// operation goes through the retry executor; connection-class errors reset
// the HTTP transport before the next attempt.
type QdrantStore struct {
	cfg        Config
	httpClient *http.Client
	baseURL    string
	apiKey     string
	retry      *retryExecutor

	mu        sync.Mutex
	connected bool
}

// NewQdrantFromEnv builds the remote store using QDRANT_* environment
// variables for endpoint and credentials.
func NewQdrantFromEnv(cfg Config) (*QdrantStore, error) {
	cfg.ApplyDefaults()

	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("vectors: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("vectors: parse Qdrant URL: %w", err)
	}

	store := &QdrantStore{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(os.Getenv("QDRANT_API_KEY")),
	}
	store.retry = newRetryExecutor(cfg, store.resetConnection)
	return store, nil
}

func (s *QdrantStore) Connect(ctx context.Context) error {
	return s.retry.execute(ctx, "connect", func(ctx context.Context) error {
		if err := s.request(ctx, http.MethodGet, "/collections", nil, nil); err != nil {
			return err
		}
		s.mu.Lock()
		s.connected = true
		s.mu.Unlock()
		return nil
	})
}

func (s *QdrantStore) Disconnect(ctx context.Context) error {
	s.httpClient.CloseIdleConnections()
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

func (s *QdrantStore) Reconnect(ctx context.Context) error {
	if err := s.Disconnect(ctx); err != nil {
		return err
	}
	return s.Connect(ctx)
}

// resetConnection drops idle connections so the next retry dials fresh.
func (s *QdrantStore) resetConnection(ctx context.Context) error {
	s.httpClient.CloseIdleConnections()
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// ensureConnected connects on demand so callers may use the store before an
// explicit Connect.
func (s *QdrantStore) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if connected {
		return nil
	}
	return s.Connect(ctx)
}

func (s *QdrantStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return errors.New("vectors: collection dimension must be positive")
	}
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	return s.retry.execute(ctx, "create collection", func(ctx context.Context) error {
		exists, err := s.collectionExists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		payload := map[string]interface{}{
			"vectors": map[string]interface{}{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		return s.request(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), payload, nil)
	})
}

func (s *QdrantStore) CreateIndex(ctx context.Context, name string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	return s.retry.execute(ctx, "create index", func(ctx context.Context) error {
		payload := map[string]interface{}{
			"field_name":   "document_id",
			"field_schema": "keyword",
		}
		err := s.request(ctx, http.MethodPut, "/collections/"+url.PathEscape(name)+"/index", payload, nil)
		if err != nil && strings.Contains(err.Error(), "already exists") {
			return nil
		}
		return err
	})
}

func (s *QdrantStore) LoadCollection(ctx context.Context, name string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	// Qdrant keeps collections loaded; verifying existence is enough.
	return s.retry.execute(ctx, "load collection", func(ctx context.Context) error {
		exists, err := s.collectionExists(ctx, name)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("vectors: collection %q does not exist", name)
		}
		return nil
	})
}

func (s *QdrantStore) InsertVectors(ctx context.Context, name string, records []Record) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.ID
	}
	payload := map[string]interface{}{"points": records}

	err := s.retry.execute(ctx, "insert vectors", func(ctx context.Context) error {
		return s.request(ctx, http.MethodPut, "/collections/"+url.PathEscape(name)+"/points", payload, nil)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *QdrantStore) SearchSimilar(ctx context.Context, name string, vector []float32, topK int, filter Filter) ([]SearchHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if translated := translateFilter(filter); translated != nil {
		payload["filter"] = translated
	}

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	err := s.retry.execute(ctx, "search", func(ctx context.Context) error {
		return s.request(ctx, http.MethodPost, "/collections/"+url.PathEscape(name)+"/points/search", payload, &decoded)
	})
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hits = append(hits, SearchHit{
			ID:      stringifyPointID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	return hits, nil
}

func (s *QdrantStore) DeleteVector(ctx context.Context, name string, id string) error {
	if id == "" {
		return nil
	}
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	payload := map[string]interface{}{"points": []string{id}}
	return s.retry.execute(ctx, "delete vector", func(ctx context.Context) error {
		return s.request(ctx, http.MethodPost, "/collections/"+url.PathEscape(name)+"/points/delete", payload, nil)
	})
}

func (s *QdrantStore) DeleteDocumentVectors(ctx context.Context, name string, documentID string) error {
	if documentID == "" {
		return nil
	}
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	payload := map[string]interface{}{
		"filter": translateFilter(Filter{"document_id": documentID}),
	}
	return s.retry.execute(ctx, "delete document vectors", func(ctx context.Context) error {
		return s.request(ctx, http.MethodPost, "/collections/"+url.PathEscape(name)+"/points/delete", payload, nil)
	})
}

func (s *QdrantStore) GetCollectionStats(ctx context.Context, name string) (*CollectionStats, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}
	var decoded struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
			Config      struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	err := s.retry.execute(ctx, "collection stats", func(ctx context.Context) error {
		return s.request(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil, &decoded)
	})
	if err != nil {
		return nil, err
	}
	return &CollectionStats{
		Name:        name,
		VectorCount: decoded.Result.PointsCount,
		Dimension:   decoded.Result.Config.Params.Vectors.Size,
	}, nil
}

func (s *QdrantStore) DropCollection(ctx context.Context, name string) error {
	if err := s.ensureConnected(ctx); err != nil {
		return err
	}
	return s.retry.execute(ctx, "drop collection", func(ctx context.Context) error {
		err := s.request(ctx, http.MethodDelete, "/collections/"+url.PathEscape(name), nil, nil)
		if err != nil && strings.Contains(err.Error(), "404") {
			return nil
		}
		return err
	})
}

func (s *QdrantStore) collectionExists(ctx context.Context, name string) (bool, error) {
	err := s.request(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil, nil)
	if err == nil {
		return true, nil
	}
	if strings.Contains(err.Error(), "404") {
		return false, nil
	}
	return false, err
}

func (s *QdrantStore) request(ctx context.Context, method string, path string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buffer := &bytes.Buffer{}
		if err := json.NewEncoder(buffer).Encode(payload); err != nil {
			return fmt.Errorf("vectors: encode request payload: %w", err)
		}
		body = buffer
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("vectors: create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vectors: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("vectors: %s %s status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("vectors: decode response: %w", err)
		}
	}
	return nil
}

// translateFilter renders equality predicates in Qdrant's must/match syntax.
func translateFilter(filter Filter) map[string]interface{} {
	if len(filter) == 0 {
		return nil
	}
	must := make([]map[string]interface{}, 0, len(filter))
	for key, value := range filter {
		must = append(must, map[string]interface{}{
			"key":   key,
			"match": map[string]interface{}{"value": value},
		})
	}
	return map[string]interface{}{"must": must}
}

func stringifyPointID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
