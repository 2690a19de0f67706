package embeddings

import (
	"sync"
	"sync/atomic"
	"time"
)

// vectorCache is a bounded map keyed by a cheap integer hash of the text.
// Colliding texts share an entry; callers treat a hit as approximate.
type vectorCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[uint32]*cacheEntry
}

type cacheEntry struct {
	vector    []float32
	hitCount  float64
	createdAt time.Time
}

func newVectorCache(maxSize int) *vectorCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &vectorCache{
		maxSize: maxSize,
		entries: make(map[uint32]*cacheEntry, maxSize),
	}
}

func (c *vectorCache) get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[hashText(text)]
	if !ok {
		return nil, false
	}
	entry.hitCount++
	vector := make([]float32, len(entry.vector))
	copy(vector, entry.vector)
	return vector, true
}

func (c *vectorCache) put(text string, vector []float32) {
	if len(vector) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := hashText(text)
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	stored := make([]float32, len(vector))
	copy(stored, vector)
	c.entries[key] = &cacheEntry{vector: stored, createdAt: time.Now()}
}

// evictLocked removes the entry with the lowest hitCount/(age+1) score, i.e.
// the least-used entry weighted against how long it has had to earn hits.
func (c *vectorCache) evictLocked() {
	var worstKey uint32
	worstScore := -1.0
	now := time.Now()
	for key, entry := range c.entries {
		ageSeconds := now.Sub(entry.createdAt).Seconds()
		score := entry.hitCount / (ageSeconds + 1)
		if worstScore < 0 || score < worstScore {
			worstScore = score
			worstKey = key
		}
	}
	if worstScore >= 0 {
		delete(c.entries, worstKey)
	}
}

func (c *vectorCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// hashText is the 31-multiplier rolling hash. It can collide on short
// inputs; the cache tolerates that.
func hashText(text string) uint32 {
	var hash uint32
	for _, r := range text {
		hash = hash*31 + uint32(r)
	}
	return hash
}

type breakerState int32

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker is the three-state breaker guarding the embedding backend.
// While open it rejects calls outright; after the cooldown a single probe is
// let through, and its outcome decides the next state.
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	state     breakerState
	failures  int
	openedAt  time.Time
	tripCount atomic.Int64
}

func newCircuitBreaker(threshold int, cooldown time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (b *circuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			// This caller becomes the half-open probe.
			b.state = breakerHalfOpen
			return nil
		}
		return ErrCircuitOpen
	default:
		// A probe is already in flight.
		return ErrCircuitOpen
	}
}

func (b *circuitBreaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
}

func (b *circuitBreaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		if b.state != breakerOpen {
			b.tripCount.Add(1)
		}
		b.state = breakerOpen
		b.openedAt = time.Now()
		b.failures = 0
	}
}

func (b *circuitBreaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *circuitBreaker) trips() int64 {
	return b.tripCount.Load()
}
