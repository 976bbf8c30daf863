package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/config"
	"github.com/modelgate/modelgate/src/models"
)

// indexEntry is the in-process side of one cache entry: the embedding
// used for similarity search plus the metadata the eviction policy
// needs. The result body lives in Redis.
type indexEntry struct {
	fingerprint  string
	embedding    []float32
	capabilities models.CapabilitySet
	createdAt    time.Time
	expiresAt    time.Time
	hitCount     atomic.Int64
}

// SemanticCache is an approximate-match response cache keyed by request
// embedding. Exact repeats short-circuit through a fingerprint LRU
// before any embedding call; near-duplicates are found by maximum
// cosine similarity over the index. TTL runs from creation, never from
// last access.
type SemanticCache struct {
	cfg      *config.CacheConfig
	store    *EntryStore
	embedder models.Embedder
	logger   *zap.Logger
	now      func() time.Time

	// exact maps fingerprints that are known to be cached, skipping
	// the embedding round-trip for byte-identical repeats.
	exact *lru.Cache[string, struct{}]

	mu    sync.RWMutex
	index map[string]*indexEntry

	hits   atomic.Int64
	misses atomic.Int64
}

func NewSemanticCache(cfg *config.CacheConfig, store *EntryStore, embedder models.Embedder, logger *zap.Logger) (*SemanticCache, error) {
	exact, err := lru.New[string, struct{}](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &SemanticCache{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
		exact:    exact,
		index:    make(map[string]*indexEntry),
	}, nil
}

// WithClock overrides the cache's clock. Test hook.
func (c *SemanticCache) WithClock(now func() time.Time) *SemanticCache {
	c.now = now
	return c
}

// Fingerprint hashes the normalized payload text together with the
// sorted required-capability set, so otherwise-identical requests with
// different capabilities never collide.
func Fingerprint(req *models.InferenceRequest) string {
	caps := req.Capabilities.Slice()
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })

	h := md5.New()
	h.Write([]byte(req.Payload.Text()))
	for _, capability := range caps {
		h.Write([]byte{'|'})
		h.Write([]byte(capability))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the best cached result whose embedding similarity
// meets the threshold and whose capability set matches exactly.
// Embedding failure and every storage error degrade to a miss.
func (c *SemanticCache) Lookup(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, float64, bool) {
	fp := Fingerprint(req)

	// Exact-match fast path
	if _, ok := c.exact.Get(fp); ok {
		if result := c.fetch(ctx, fp); result != nil {
			c.hits.Add(1)
			return result, 1.0, true
		}
		c.exact.Remove(fp)
	}

	text := req.Payload.Text()
	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil {
		c.logger.Warn("embedding failed, treating as cache miss", zap.Error(err))
		c.misses.Add(1)
		return nil, 0, false
	}

	best, similarity := c.bestMatch(embedding, req.Capabilities)
	if best == "" {
		c.misses.Add(1)
		return nil, 0, false
	}

	result := c.fetch(ctx, best)
	if result == nil {
		c.misses.Add(1)
		return nil, 0, false
	}

	c.hits.Add(1)
	return result, similarity, true
}

// bestMatch scans the index for the highest cosine similarity at or
// above the threshold, skipping expired entries (lazily removing them)
// and entries whose capability set differs.
func (c *SemanticCache) bestMatch(embedding []float32, caps models.CapabilitySet) (string, float64) {
	now := c.now()

	c.mu.RLock()
	var (
		bestFp  string
		bestSim = c.cfg.SimilarityThreshold
		expired []string
	)
	for fp, entry := range c.index {
		if now.After(entry.expiresAt) {
			expired = append(expired, fp)
			continue
		}
		// Capability mismatch voids a similarity match at any score.
		if !entry.capabilities.Equal(caps) {
			continue
		}
		if sim := cosineSimilarity(embedding, entry.embedding); sim >= bestSim {
			bestFp, bestSim = fp, sim
		}
	}
	c.mu.RUnlock()

	if len(expired) > 0 {
		c.removeEntries(context.Background(), expired)
	}
	if bestFp == "" {
		return "", 0
	}
	return bestFp, bestSim
}

// fetch loads an entry body and increments its hit count. A nil return
// means Redis already expired the body; the index entry is dropped too.
func (c *SemanticCache) fetch(ctx context.Context, fingerprint string) *models.InferenceResult {
	entry, err := c.store.Get(ctx, fingerprint)
	if err != nil {
		c.logger.Warn("cache store read failed", zap.Error(err))
		return nil
	}
	if entry == nil {
		c.removeEntries(ctx, []string{fingerprint})
		return nil
	}

	c.mu.RLock()
	ie, ok := c.index[fingerprint]
	c.mu.RUnlock()
	if ok {
		// TTL check is creation-based, not access-based.
		if c.now().After(ie.expiresAt) {
			c.removeEntries(ctx, []string{fingerprint})
			return nil
		}
		ie.hitCount.Add(1)
	}

	result := entry.Result
	result.CacheHit = true
	return &result
}

// Store records a successful inference result for future lookups. The
// TTL comes from the request's volatility class. Embedding failure
// means the entry simply is not stored.
func (c *SemanticCache) Store(ctx context.Context, req *models.InferenceRequest, result *models.InferenceResult) {
	embedding, err := c.embedder.Embed(ctx, req.Payload.Text())
	if err != nil {
		c.logger.Warn("embedding failed, skipping cache store", zap.Error(err))
		return
	}

	fp := Fingerprint(req)
	now := c.now()
	ttl := c.cfg.TTLFor(req.Volatility)

	caps := req.Capabilities.Slice()
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	stored := &StoredEntry{
		Fingerprint:  fp,
		Capabilities: caps,
		Result:       *result,
		CreatedAt:    now,
		TTL:          ttl,
	}
	if err := c.store.Put(ctx, stored, ttl); err != nil {
		c.logger.Warn("cache store write failed", zap.Error(err))
		return
	}

	entry := &indexEntry{
		fingerprint:  fp,
		embedding:    embedding,
		capabilities: req.Capabilities,
		createdAt:    now,
		expiresAt:    now.Add(ttl),
	}

	c.mu.Lock()
	c.index[fp] = entry
	victim := ""
	if len(c.index) > c.cfg.MaxEntries {
		victim = c.victimLocked(fp)
		if victim != "" {
			delete(c.index, victim)
		}
	}
	c.mu.Unlock()

	c.exact.Add(fp, struct{}{})
	if victim != "" {
		c.exact.Remove(victim)
		if err := c.store.Delete(ctx, victim); err != nil {
			c.logger.Warn("cache eviction delete failed", zap.Error(err))
		}
	}
}

// victimLocked picks the entry with the lowest hit count (oldest on
// ties), never the one just inserted. Caller holds the write lock.
func (c *SemanticCache) victimLocked(exclude string) string {
	var (
		victim   string
		minHits  int64
		earliest time.Time
		found    bool
	)
	for fp, entry := range c.index {
		if fp == exclude {
			continue
		}
		hits := entry.hitCount.Load()
		if !found || hits < minHits || (hits == minHits && entry.createdAt.Before(earliest)) {
			victim, minHits, earliest, found = fp, hits, entry.createdAt, true
		}
	}
	return victim
}

// Sweep removes expired index entries. Run periodically by the gateway;
// reads also evict lazily, so the sweep only bounds how long dead
// entries linger.
func (c *SemanticCache) Sweep(ctx context.Context) int {
	now := c.now()

	c.mu.RLock()
	var expired []string
	for fp, entry := range c.index {
		if now.After(entry.expiresAt) {
			expired = append(expired, fp)
		}
	}
	c.mu.RUnlock()

	if len(expired) > 0 {
		c.removeEntries(ctx, expired)
	}
	return len(expired)
}

// Clear drops every entry, in process and in Redis.
func (c *SemanticCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.index = make(map[string]*indexEntry)
	c.mu.Unlock()
	c.exact.Purge()
	return c.store.DeleteAll(ctx)
}

func (c *SemanticCache) removeEntries(ctx context.Context, fingerprints []string) {
	c.mu.Lock()
	for _, fp := range fingerprints {
		delete(c.index, fp)
	}
	c.mu.Unlock()
	for _, fp := range fingerprints {
		c.exact.Remove(fp)
		if err := c.store.Delete(ctx, fp); err != nil {
			c.logger.Warn("cache entry delete failed", zap.Error(err))
		}
	}
}

// Stats is the cache's admin-surface view.
type Stats struct {
	Entries int     `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func (c *SemanticCache) Stats() Stats {
	c.mu.RLock()
	entries := len(c.index)
	c.mu.RUnlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{Entries: entries, Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}
