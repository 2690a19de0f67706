package embeddings

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Enhanced wraps a base Embedder with a bounded in-memory cache, request
// batching, a circuit breaker, and a fallback chain. One instance belongs to
// one knowledge base; cache and breaker state are never shared across bases.
type Enhanced struct {
	base    Embedder
	cfg     Config
	cache   *vectorCache
	breaker *circuitBreaker

	queue    chan *embedRequest
	stop     chan struct{}
	stopOnce sync.Once

	requests      atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	failures      atomic.Int64
	fallbacks     atomic.Int64
	totalLatencyM atomic.Int64
}

// Metrics is an observability snapshot; it is not needed for correctness.
type Metrics struct {
	Requests       int64 `json:"requests"`
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	Failures       int64 `json:"failures"`
	Fallbacks      int64 `json:"fallbacks"`
	CircuitTrips   int64 `json:"circuit_trips"`
	TotalLatencyMs int64 `json:"total_latency_ms"`
}

type embedRequest struct {
	text   string
	result chan embedResult
}

type embedResult struct {
	vector []float32
	err    error
}

// NewEnhanced builds the decorator and starts its flush worker.
func NewEnhanced(base Embedder, cfg Config) *Enhanced {
	cfg.ApplyDefaults()
	enhanced := &Enhanced{
		base:    base,
		cfg:     cfg,
		cache:   newVectorCache(cfg.CacheSize),
		breaker: newCircuitBreaker(cfg.FailureThreshold, time.Duration(cfg.BreakerTimeoutMs)*time.Millisecond),
		queue:   make(chan *embedRequest, cfg.BatchSize*4),
		stop:    make(chan struct{}),
	}
	go enhanced.flushLoop()
	return enhanced
}

func (e *Enhanced) Dimension() int {
	return e.base.Dimension()
}

// Close stops the flush worker. Requests enqueued afterwards still resolve
// through the direct path.
func (e *Enhanced) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

func (e *Enhanced) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyText
	}
	e.requests.Add(1)
	started := time.Now()
	defer func() { e.totalLatencyM.Add(time.Since(started).Milliseconds()) }()

	if vector, ok := e.cache.get(trimmed); ok {
		e.cacheHits.Add(1)
		return vector, nil
	}
	e.cacheMisses.Add(1)

	request := &embedRequest{text: trimmed, result: make(chan embedResult, 1)}
	select {
	case e.queue <- request:
	case <-e.stop:
		return e.resolveOne(trimmed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-request.result:
		return result.vector, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Enhanced) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	sanitized, err := sanitizeInputs(texts)
	if err != nil {
		return nil, err
	}
	e.requests.Add(int64(len(sanitized)))
	started := time.Now()
	defer func() { e.totalLatencyM.Add(time.Since(started).Milliseconds()) }()

	vectors := make([][]float32, len(sanitized))
	missing := make([]int, 0, len(sanitized))
	for i, text := range sanitized {
		if vector, ok := e.cache.get(text); ok {
			e.cacheHits.Add(1)
			vectors[i] = vector
			continue
		}
		e.cacheMisses.Add(1)
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	missingTexts := make([]string, len(missing))
	for i, idx := range missing {
		missingTexts[i] = sanitized[idx]
	}

	fetched, err := e.resolveBatch(ctx, missingTexts)
	if err != nil {
		return nil, err
	}
	for i, idx := range missing {
		vectors[idx] = fetched[i]
	}
	return vectors, nil
}

// Metrics returns a snapshot of the decorator's counters.
func (e *Enhanced) Metrics() Metrics {
	return Metrics{
		Requests:       e.requests.Load(),
		CacheHits:      e.cacheHits.Load(),
		CacheMisses:    e.cacheMisses.Load(),
		Failures:       e.failures.Load(),
		Fallbacks:      e.fallbacks.Load(),
		CircuitTrips:   e.breaker.trips(),
		TotalLatencyMs: e.totalLatencyM.Load(),
	}
}

// flushLoop is the single flush worker: it drains the queue into batches
// bounded by BatchSize, flushing early after BatchTimeout.
func (e *Enhanced) flushLoop() {
	for {
		var first *embedRequest
		select {
		case <-e.stop:
			return
		case first = <-e.queue:
		}

		batch := []*embedRequest{first}
		timer := time.NewTimer(time.Duration(e.cfg.BatchTimeoutMs) * time.Millisecond)
	collect:
		for len(batch) < e.cfg.BatchSize {
			select {
			case request := <-e.queue:
				batch = append(batch, request)
				continue
			default:
			}
			// A lone request resolves immediately; only once a batch has
			// started forming is the timeout worth waiting out.
			if len(batch) == 1 {
				break collect
			}
			select {
			case request := <-e.queue:
				batch = append(batch, request)
			case <-timer.C:
				break collect
			case <-e.stop:
				timer.Stop()
				e.flush(batch)
				return
			}
		}
		timer.Stop()
		e.flush(batch)
	}
}

func (e *Enhanced) flush(batch []*embedRequest) {
	if len(batch) == 1 {
		// A lone request skips the batch call entirely.
		vector, err := e.resolveOne(batch[0].text)
		batch[0].result <- embedResult{vector: vector, err: err}
		return
	}

	texts := make([]string, len(batch))
	for i, request := range batch {
		texts[i] = request.text
	}

	vectors, err := e.callBatch(texts)
	if err == nil {
		for i, request := range batch {
			e.cache.put(request.text, vectors[i])
			request.result <- embedResult{vector: vectors[i]}
		}
		return
	}

	// Partial or total batch failure: degrade to per-item calls so one bad
	// input does not sink the rest.
	for _, request := range batch {
		vector, itemErr := e.resolveOne(request.text)
		request.result <- embedResult{vector: vector, err: itemErr}
	}
}

func (e *Enhanced) resolveOne(text string) ([]float32, error) {
	if err := e.breaker.allow(); err != nil {
		return e.fallback(text, err)
	}
	vector, err := e.callBase(func(ctx context.Context) ([][]float32, error) {
		single, callErr := e.base.Embed(ctx, text)
		if callErr != nil {
			return nil, callErr
		}
		return [][]float32{single}, nil
	})
	if err != nil {
		e.breaker.failure()
		e.failures.Add(1)
		return e.fallback(text, err)
	}
	e.breaker.success()
	e.cache.put(text, vector[0])
	return vector[0], nil
}

func (e *Enhanced) resolveBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.callBatch(texts)
	if err == nil {
		for i, text := range texts {
			e.cache.put(text, vectors[i])
		}
		return vectors, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		vector, itemErr := e.resolveOne(text)
		if itemErr != nil {
			return nil, itemErr
		}
		results[i] = vector
	}
	return results, nil
}

func (e *Enhanced) callBatch(texts []string) ([][]float32, error) {
	if err := e.breaker.allow(); err != nil {
		return nil, err
	}
	vectors, err := e.callBase(func(ctx context.Context) ([][]float32, error) {
		return e.base.EmbedBatch(ctx, texts)
	})
	if err != nil {
		e.breaker.failure()
		e.failures.Add(1)
		return nil, err
	}
	e.breaker.success()
	return vectors, nil
}

func (e *Enhanced) callBase(fn func(context.Context) ([][]float32, error)) ([][]float32, error) {
	return callWithTimeout(context.Background(), e.cfg.timeout(), fn)
}

// fallback is the degradation chain: cache first, then a zero vector of the
// configured dimension, then the original error.
func (e *Enhanced) fallback(text string, cause error) ([]float32, error) {
	if vector, ok := e.cache.get(text); ok {
		e.fallbacks.Add(1)
		return vector, nil
	}
	if dim := e.Dimension(); dim > 0 {
		e.fallbacks.Add(1)
		return make([]float32, dim), nil
	}
	return nil, cause
}
