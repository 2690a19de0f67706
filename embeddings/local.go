package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Local is the in-process embedding backend. It hashes tokens into a
// fixed-dimension feature space, mean-pools the per-token vectors over the
// sequence, and L2-normalizes the result so cosine scoring downstream is
// well defined. The projection table is built once on first use; later calls
// reuse it.
type Local struct {
	cfg      Config
	loadOnce sync.Once
	loadErr  error
	seeds    []uint64
}

func NewLocal(cfg Config) *Local {
	cfg.ApplyDefaults()
	return &Local{cfg: cfg}
}

func (l *Local) Dimension() int {
	return l.cfg.Dimension
}

// load builds the token projection table. This stands in for the model load
// of a real local model: the first call pays for it, subsequent calls reuse.
func (l *Local) load() error {
	l.loadOnce.Do(func() {
		if l.cfg.Dimension <= 0 {
			l.loadErr = fmt.Errorf("embeddings: invalid local dimension %d", l.cfg.Dimension)
			return
		}
		seeds := make([]uint64, l.cfg.Dimension)
		hasher := fnv.New64a()
		for i := range seeds {
			hasher.Reset()
			fmt.Fprintf(hasher, "%s:%d", l.cfg.ModelID, i)
			seeds[i] = hasher.Sum64()
		}
		l.seeds = seeds
	})
	return l.loadErr
}

func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := l.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	sanitized, err := sanitizeInputs(texts)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		vectors, err := callWithTimeout(ctx, l.cfg.timeout(), func(callCtx context.Context) ([][]float32, error) {
			return l.embedAll(callCtx, sanitized)
		})
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < l.cfg.MaxRetries {
			time.Sleep(l.cfg.retryDelay() * time.Duration(attempt))
		}
	}
	return nil, fmt.Errorf("embeddings: local backend failed after %d attempts: %w", l.cfg.MaxRetries, lastErr)
}

func (l *Local) embedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.load(); err != nil {
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors[i] = l.embedOne(text)
	}
	return vectors, nil
}

func (l *Local) embedOne(text string) []float32 {
	dim := l.cfg.Dimension
	sum := make([]float64, dim)
	tokens := tokenize(text)

	for _, token := range tokens {
		// Deterministic per-token vector: each dimension is derived from the
		// dimension seed mixed with the token hash.
		tokenHash := hashToken(token)
		for d := 0; d < dim; d++ {
			mixed := mix64(l.seeds[d] ^ tokenHash)
			// Map to [-1, 1).
			sum[d] += float64(int64(mixed))/float64(math.MaxInt64)*0.5 + signalFor(token, d)
		}
	}

	count := float64(len(tokens))
	if count == 0 {
		count = 1
	}
	vector := make([]float32, dim)
	for d := 0; d < dim; d++ {
		vector[d] = float32(sum[d] / count)
	}
	return l2Normalize(vector)
}

// signalFor adds a small token-length component so different token mixes do
// not cancel out to near-zero vectors on short inputs.
func signalFor(token string, d int) float64 {
	return float64((len(token)+d)%7) * 0.01
}

func tokenize(text string) []string {
	lowered := strings.ToLower(text)
	return strings.FieldsFunc(lowered, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func hashToken(token string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(token))
	return hasher.Sum64()
}

func mix64(value uint64) uint64 {
	value ^= value >> 33
	value *= 0xff51afd7ed558ccd
	value ^= value >> 33
	value *= 0xc4ceb9fe1a85ec53
	value ^= value >> 33
	return value
}

func l2Normalize(vector []float32) []float32 {
	var norm float64
	for _, value := range vector {
		norm += float64(value) * float64(value)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / norm)
	}
	return vector
}
