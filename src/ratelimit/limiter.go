package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/config"
)

const shardCount = 32

// Decision is the outcome of an acquire attempt. The limiter never
// blocks; RetryAfter tells the caller when enough tokens will have
// accrued.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// bucket is one (caller, provider) token bucket. Tokens refill
// continuously at refillRate up to capacity.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a per-(caller, provider) token-bucket admission gate.
// Buckets are created lazily and evicted after an idle period. State is
// sharded by key so concurrent callers do not contend on one mutex.
type Limiter struct {
	capacity     float64
	refillPerSec float64
	idleEviction time.Duration
	shards       [shardCount]*shard
	logger       *zap.Logger
	now          func() time.Time
}

// New builds a limiter from config. The clock defaults to time.Now and
// is injectable for tests.
func New(cfg *config.RateLimitConfig, logger *zap.Logger) *Limiter {
	l := &Limiter{
		capacity:     cfg.Capacity,
		refillPerSec: cfg.RefillPerSec,
		idleEviction: cfg.IdleEviction,
		logger:       logger,
		now:          time.Now,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

// WithClock overrides the limiter's clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func key(caller, provider string) string {
	return caller + "\x00" + provider
}

func (l *Limiter) shardFor(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return l.shards[h.Sum32()%shardCount]
}

// refillLocked advances the bucket to now. Caller holds the shard lock.
func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * l.refillPerSec
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
	b.lastRefill = now
}

func (l *Limiter) acquire(caller, provider string, tokens float64, consume bool) Decision {
	k := key(caller, provider)
	s := l.shardFor(k)
	now := l.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[k]
	if !ok {
		b = &bucket{tokens: l.capacity, lastRefill: now}
		s.buckets[k] = b
	}
	l.refillLocked(b, now)
	b.lastUsed = now

	if b.tokens >= tokens {
		if consume {
			b.tokens -= tokens
		}
		return Decision{Allowed: true}
	}

	deficit := tokens - b.tokens
	retryAfter := time.Duration(deficit / l.refillPerSec * float64(time.Second))
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// TryAcquire attempts to spend estimatedTokens from the (caller,
// provider) bucket. On denial the decision carries the wait until the
// deficit refills.
func (l *Limiter) TryAcquire(caller, provider string, estimatedTokens int) Decision {
	return l.acquire(caller, provider, float64(estimatedTokens), true)
}

// WouldAllow is the non-consuming variant used during candidate
// ranking, so skipped candidates do not spend tokens.
func (l *Limiter) WouldAllow(caller, provider string, estimatedTokens int) bool {
	return l.acquire(caller, provider, float64(estimatedTokens), false).Allowed
}

// Refund returns tokens to a bucket after a short-circuited invocation
// (for example when the chosen provider's breaker opened between
// ranking and acquire).
func (l *Limiter) Refund(caller, provider string, tokens int) {
	k := key(caller, provider)
	s := l.shardFor(k)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[k]
	if !ok {
		return
	}
	b.tokens += float64(tokens)
	if b.tokens > l.capacity {
		b.tokens = l.capacity
	}
}

// Sweep evicts buckets idle longer than the configured eviction period
// and returns how many were removed. Run periodically by the gateway.
func (l *Limiter) Sweep() int {
	now := l.now()
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for k, b := range s.buckets {
			if now.Sub(b.lastUsed) > l.idleEviction {
				delete(s.buckets, k)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		l.logger.Debug("evicted idle rate-limit buckets", zap.Int("count", evicted))
	}
	return evicted
}

// Occupancy is one bucket's state for the admin surface.
type Occupancy struct {
	Caller   string  `json:"caller"`
	Provider string  `json:"provider"`
	Tokens   float64 `json:"tokens"`
	Capacity float64 `json:"capacity"`
}

// Snapshot reports current bucket occupancy, refilled to now.
func (l *Limiter) Snapshot() []Occupancy {
	now := l.now()
	var out []Occupancy
	for _, s := range l.shards {
		s.mu.Lock()
		for k, b := range s.buckets {
			l.refillLocked(b, now)
			caller, provider := splitKey(k)
			out = append(out, Occupancy{
				Caller:   caller,
				Provider: provider,
				Tokens:   b.tokens,
				Capacity: l.capacity,
			})
		}
		s.mu.Unlock()
	}
	return out
}

func splitKey(k string) (caller, provider string) {
	for i := 0; i < len(k); i++ {
		if k[i] == '\x00' {
			return k[:i], k[i+1:]
		}
	}
	return k, ""
}
