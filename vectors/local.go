package vectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/timshannon/badgerhold/v4"
)

// LocalStore is the embedded vector index. Each collection is one Badger
// store on disk (via badgerhold); similarity search is brute-force cosine
// over the collection. Dropping a collection removes its directory.
type LocalStore struct {
	cfg  Config
	root string

	mu          sync.Mutex
	collections map[string]*localCollection
	connected   bool
}

type localCollection struct {
	store     *badgerhold.Store
	dimension int
}

// storedVector is the on-disk record. The payload is kept as JSON bytes so
// the store does not need gob registrations for arbitrary payload values.
type storedVector struct {
	ID          string `badgerhold:"key"`
	DocumentID  string `badgerholdIndex:"DocumentID"`
	Vector      []float32
	PayloadJSON []byte
}

type collectionMeta struct {
	Name      string `badgerhold:"key"`
	Dimension int
}

func NewLocal(cfg Config) *LocalStore {
	cfg.ApplyDefaults()
	return &LocalStore{
		cfg:         cfg,
		root:        cfg.Path,
		collections: make(map[string]*localCollection),
	}
}

func (s *LocalStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("vectors: create index root: %w", err)
	}
	s.connected = true
	return nil
}

func (s *LocalStore) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, collection := range s.collections {
		if err := collection.store.Close(); err != nil {
			return fmt.Errorf("vectors: close collection %q: %w", name, err)
		}
		delete(s.collections, name)
	}
	s.connected = false
	return nil
}

func (s *LocalStore) Reconnect(ctx context.Context) error {
	if err := s.Disconnect(ctx); err != nil {
		return err
	}
	return s.Connect(ctx)
}

func (s *LocalStore) CreateCollection(ctx context.Context, name string, dimension int) error {
	if dimension <= 0 {
		return errors.New("vectors: collection dimension must be positive")
	}
	collection, err := s.openCollection(ctx, name)
	if err != nil {
		return err
	}
	if collection.dimension == 0 {
		meta := collectionMeta{Name: name, Dimension: dimension}
		if err := collection.store.Upsert(name, &meta); err != nil {
			return fmt.Errorf("vectors: store collection meta: %w", err)
		}
		collection.dimension = dimension
		return nil
	}
	if collection.dimension != dimension {
		return fmt.Errorf("vectors: collection %q exists with dimension %d, requested %d", name, collection.dimension, dimension)
	}
	return nil
}

// CreateIndex is a no-op for the embedded store; the document index is
// declared on the record type.
func (s *LocalStore) CreateIndex(ctx context.Context, name string) error {
	_, err := s.openCollection(ctx, name)
	return err
}

func (s *LocalStore) LoadCollection(ctx context.Context, name string) error {
	collection, err := s.openCollection(ctx, name)
	if err != nil {
		return err
	}
	if collection.dimension == 0 {
		return fmt.Errorf("vectors: collection %q does not exist", name)
	}
	return nil
}

func (s *LocalStore) InsertVectors(ctx context.Context, name string, records []Record) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}
	collection, err := s.openCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	if collection.dimension == 0 {
		return nil, fmt.Errorf("vectors: collection %q has not been created", name)
	}

	ids := make([]string, len(records))
	for i, record := range records {
		if len(record.Vector) != collection.dimension {
			return nil, fmt.Errorf("vectors: vector %q has dimension %d, collection %q expects %d",
				record.ID, len(record.Vector), name, collection.dimension)
		}
		payloadJSON, err := json.Marshal(record.Payload)
		if err != nil {
			return nil, fmt.Errorf("vectors: encode payload for %q: %w", record.ID, err)
		}
		stored := storedVector{
			ID:          record.ID,
			DocumentID:  payloadString(record.Payload, "document_id"),
			Vector:      record.Vector,
			PayloadJSON: payloadJSON,
		}
		if err := collection.store.Upsert(record.ID, &stored); err != nil {
			return nil, fmt.Errorf("vectors: upsert %q: %w", record.ID, err)
		}
		ids[i] = record.ID
	}
	return ids, nil
}

func (s *LocalStore) SearchSimilar(ctx context.Context, name string, vector []float32, topK int, filter Filter) ([]SearchHit, error) {
	if len(vector) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	collection, err := s.openCollection(ctx, name)
	if err != nil {
		return nil, err
	}

	var stored []storedVector
	if err := collection.store.Find(&stored, nil); err != nil {
		return nil, fmt.Errorf("vectors: scan collection %q: %w", name, err)
	}

	hits := make([]SearchHit, 0, len(stored))
	for _, item := range stored {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var payload map[string]interface{}
		if len(item.PayloadJSON) > 0 {
			if err := json.Unmarshal(item.PayloadJSON, &payload); err != nil {
				return nil, fmt.Errorf("vectors: decode payload for %q: %w", item.ID, err)
			}
		}
		if !matchesFilter(payload, filter) {
			continue
		}
		hits = append(hits, SearchHit{
			ID:      item.ID,
			Score:   cosineSimilarity(vector, item.Vector),
			Payload: payload,
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *LocalStore) DeleteVector(ctx context.Context, name string, id string) error {
	if id == "" {
		return nil
	}
	collection, err := s.openCollection(ctx, name)
	if err != nil {
		return err
	}
	err = collection.store.Delete(id, storedVector{})
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("vectors: delete %q: %w", id, err)
	}
	return nil
}

func (s *LocalStore) DeleteDocumentVectors(ctx context.Context, name string, documentID string) error {
	if documentID == "" {
		return nil
	}
	collection, err := s.openCollection(ctx, name)
	if err != nil {
		return err
	}
	if err := collection.store.DeleteMatching(&storedVector{}, badgerhold.Where("DocumentID").Eq(documentID)); err != nil {
		return fmt.Errorf("vectors: delete vectors for document %q: %w", documentID, err)
	}
	return nil
}

func (s *LocalStore) GetCollectionStats(ctx context.Context, name string) (*CollectionStats, error) {
	collection, err := s.openCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	count, err := collection.store.Count(&storedVector{}, nil)
	if err != nil {
		return nil, fmt.Errorf("vectors: count collection %q: %w", name, err)
	}
	return &CollectionStats{
		Name:        name,
		VectorCount: int64(count),
		Dimension:   collection.dimension,
	}, nil
}

func (s *LocalStore) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	collection, open := s.collections[name]
	if open {
		delete(s.collections, name)
	}
	s.mu.Unlock()

	if open {
		if err := collection.store.Close(); err != nil {
			return fmt.Errorf("vectors: close collection %q: %w", name, err)
		}
	}
	dir := s.collectionDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("vectors: remove collection dir %q: %w", dir, err)
	}
	return nil
}

// openCollection opens the on-disk store lazily and caches the handle.
func (s *LocalStore) openCollection(ctx context.Context, name string) (*localCollection, error) {
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if collection, ok := s.collections[name]; ok {
		return collection, nil
	}

	dir := s.collectionDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vectors: create collection dir: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = dir
	options.ValueDir = dir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("vectors: open collection %q: %w", name, err)
	}

	collection := &localCollection{store: store}
	var meta collectionMeta
	if err := store.Get(name, &meta); err == nil {
		collection.dimension = meta.Dimension
	} else if !errors.Is(err, badgerhold.ErrNotFound) {
		_ = store.Close()
		return nil, fmt.Errorf("vectors: read collection meta: %w", err)
	}

	s.collections[name] = collection
	return collection, nil
}

func (s *LocalStore) collectionDir(name string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
	return filepath.Join(s.root, sanitized)
}

// matchesFilter applies equality predicates against payload fields. Values
// are compared through their string forms since the payload round-trips
// through JSON.
func matchesFilter(payload map[string]interface{}, filter Filter) bool {
	if len(filter) == 0 {
		return true
	}
	for key, expected := range filter {
		actual, ok := payload[key]
		if !ok {
			return false
		}
		if fmt.Sprint(actual) != fmt.Sprint(expected) {
			return false
		}
	}
	return true
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if value, ok := payload[key].(string); ok {
		return value
	}
	if value, ok := payload[key]; ok {
		return fmt.Sprint(value)
	}
	return ""
}

func cosineSimilarity(a []float32, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
