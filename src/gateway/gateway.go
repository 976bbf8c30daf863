package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/breaker"
	"github.com/modelgate/modelgate/src/cache"
	"github.com/modelgate/modelgate/src/config"
	"github.com/modelgate/modelgate/src/models"
	"github.com/modelgate/modelgate/src/queue"
	"github.com/modelgate/modelgate/src/ratelimit"
	"github.com/modelgate/modelgate/src/registry"
	"github.com/modelgate/modelgate/src/router"
)

type outcome struct {
	result *models.InferenceResult
	err    error
}

// Gateway is the orchestration layer behind infer(): semantic cache
// fast path, queue admission, worker-pool dispatch through the router,
// and the admin introspection surface.
type Gateway struct {
	cfg      *config.Config
	registry *registry.Registry
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	router   *router.Router
	queue    *queue.Queue
	cache    *cache.SemanticCache // nil when disabled
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]chan outcome

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(
	cfg *config.Config,
	reg *registry.Registry,
	brk *breaker.Breaker,
	lim *ratelimit.Limiter,
	rt *router.Router,
	sc *cache.SemanticCache,
	logger *zap.Logger,
) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		registry: reg,
		breaker:  brk,
		limiter:  lim,
		router:   rt,
		cache:    sc,
		logger:   logger,
		pending:  make(map[string]chan outcome),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	g.queue = queue.New(&cfg.Queue, g.expireRequest, logger)
	return g
}

// Start launches the worker pool and the background sweeps.
func (g *Gateway) Start() {
	for i := 0; i < g.cfg.Queue.Workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	g.wg.Add(1)
	go g.sweeper()
	g.logger.Info("gateway started",
		zap.Int("workers", g.cfg.Queue.Workers),
		zap.Int("catalog_models", g.registry.Len()))
}

// Stop shuts the worker pool down. In-flight provider calls finish;
// queued requests are abandoned.
func (g *Gateway) Stop() {
	close(g.stopCh)
	g.wg.Wait()
}

// Infer serves one request end to end: cache fast path, queue
// admission, then a worker dispatches it through the router. The call
// blocks until a result, a gateway error, or the request deadline.
func (g *Gateway) Infer(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
	start := time.Now()

	if req.RequestID == "" {
		annotated := *req
		annotated.RequestID = uuid.NewString()
		req = &annotated
	}

	if g.cache != nil {
		if cached, similarity, hit := g.cache.Lookup(ctx, req); hit {
			result := *cached
			result.RequestID = req.RequestID
			result.CacheHit = true
			result.Latency = time.Since(start)
			g.logger.Debug("semantic cache hit",
				zap.String("request_id", req.RequestID),
				zap.Float64("similarity", similarity))
			return &result, nil
		}
	}

	done := make(chan outcome, 1)
	g.mu.Lock()
	g.pending[req.RequestID] = done
	g.mu.Unlock()

	if err := g.queue.Enqueue(req); err != nil {
		g.unregister(req.RequestID)
		return nil, err
	}
	g.signal()

	var deadline <-chan time.Time
	if !req.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(req.Deadline))
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		out.result.Latency = time.Since(start)
		return out.result, nil
	case <-deadline:
		// The worker's eventual result is discarded by the buffered
		// channel; nothing waits on it anymore.
		g.unregister(req.RequestID)
		return nil, models.ErrRequestExpired
	case <-ctx.Done():
		g.unregister(req.RequestID)
		return nil, ctx.Err()
	}
}

func (g *Gateway) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

func (g *Gateway) unregister(requestID string) {
	g.mu.Lock()
	delete(g.pending, requestID)
	g.mu.Unlock()
}

// complete delivers an outcome to the waiting caller, if any is left.
func (g *Gateway) complete(requestID string, out outcome) {
	g.mu.Lock()
	done, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.mu.Unlock()
	if ok {
		done <- out
	}
}

func (g *Gateway) expireRequest(req *models.InferenceRequest) {
	g.complete(req.RequestID, outcome{err: models.ErrRequestExpired})
}

func (g *Gateway) worker() {
	defer g.wg.Done()
	for {
		req, ok := g.queue.Dequeue()
		if !ok {
			select {
			case <-g.wake:
				continue
			case <-g.stopCh:
				return
			}
		}
		// More work may be queued behind this one; wake a sibling.
		g.signal()
		g.serve(req)

		select {
		case <-g.stopCh:
			return
		default:
		}
	}
}

// serve dispatches one dequeued request. The provider call itself is
// never cancelled mid-flight; a deadline that passes during the call
// discards the result instead.
func (g *Gateway) serve(req *models.InferenceRequest) {
	result, err := g.router.Dispatch(context.Background(), req)
	if err != nil {
		g.complete(req.RequestID, outcome{err: err})
		return
	}

	if req.Expired(time.Now()) {
		g.logger.Info("discarding result: deadline passed during provider call",
			zap.String("request_id", req.RequestID))
		g.complete(req.RequestID, outcome{err: models.ErrRequestExpired})
		return
	}

	if g.cache != nil {
		g.cache.Store(context.Background(), req, result)
	}
	g.complete(req.RequestID, outcome{result: result})
}

// sweeper runs the periodic maintenance passes: queue deadline drops,
// cache TTL eviction and idle rate-limit bucket GC.
func (g *Gateway) sweeper() {
	defer g.wg.Done()

	queueTick := time.NewTicker(g.cfg.Queue.SweepInterval)
	cacheTick := time.NewTicker(g.cfg.Cache.SweepInterval)
	limiterTick := time.NewTicker(g.cfg.RateLimit.SweepInterval)
	defer queueTick.Stop()
	defer cacheTick.Stop()
	defer limiterTick.Stop()

	for {
		select {
		case <-queueTick.C:
			g.queue.Sweep()
		case <-cacheTick.C:
			if g.cache != nil {
				g.cache.Sweep(context.Background())
			}
		case <-limiterTick.C:
			g.limiter.Sweep()
		case <-g.stopCh:
			return
		}
	}
}

// Stats is the read-only introspection snapshot for the admin surface.
type Stats struct {
	QueueDepth int                        `json:"queue_depth"`
	Cache      cache.Stats                `json:"cache"`
	Circuits   []breaker.ProviderSnapshot `json:"circuits"`
	RateLimits []ratelimit.Occupancy      `json:"rate_limits"`
	Catalog    []models.ModelDescriptor   `json:"catalog"`
}

func (g *Gateway) Stats() Stats {
	s := Stats{
		QueueDepth: g.queue.Len(),
		Circuits:   g.breaker.Snapshot(),
		RateLimits: g.limiter.Snapshot(),
		Catalog:    g.registry.All(),
	}
	if g.cache != nil {
		s.Cache = g.cache.Stats()
	}
	return s
}

// ClearCache drops every semantic cache entry.
func (g *Gateway) ClearCache(ctx context.Context) error {
	if g.cache == nil {
		return nil
	}
	return g.cache.Clear(ctx)
}

// ReloadRegistry atomically swaps in a new catalog snapshot.
func (g *Gateway) ReloadRegistry(descriptors []models.ModelDescriptor) {
	g.registry.Reload(descriptors)
	g.logger.Info("registry reloaded", zap.Int("models", len(descriptors)))
}
