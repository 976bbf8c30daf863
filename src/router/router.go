package router

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/breaker"
	"github.com/modelgate/modelgate/src/config"
	"github.com/modelgate/modelgate/src/models"
	"github.com/modelgate/modelgate/src/provider"
	"github.com/modelgate/modelgate/src/ratelimit"
	"github.com/modelgate/modelgate/src/registry"
	"github.com/modelgate/modelgate/src/utils"
)

// Candidate is one rankable (provider, model) choice for a request.
type Candidate struct {
	Model models.ModelDescriptor
	// Cost is the worst-case dollar cost of serving this request on
	// this model; the primary ranking key.
	Cost float64
}

// Router selects candidate models for a request and drives failover
// across them. Selection is a pure function of registry, breaker and
// limiter state; only Dispatch has side effects.
type Router struct {
	cfg      *config.RouterConfig
	registry *registry.Registry
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	adapters *provider.Registry
	logger   *zap.Logger
}

func New(
	cfg *config.RouterConfig,
	reg *registry.Registry,
	brk *breaker.Breaker,
	lim *ratelimit.Limiter,
	adapters *provider.Registry,
	logger *zap.Logger,
) *Router {
	return &Router{
		cfg:      cfg,
		registry: reg,
		breaker:  brk,
		limiter:  lim,
		adapters: adapters,
		logger:   logger,
	}
}

// Route returns the ranked candidate list for a request.
//
// Filtering order: capability and request constraints against the
// registry snapshot, then circuit availability, then a non-consuming
// rate-limit check (tokens are only spent once a candidate is actually
// chosen). Ranking: ascending cost, then latency class, then provider
// and model id for determinism.
func (r *Router) Route(req *models.InferenceRequest) ([]Candidate, error) {
	matching := r.registry.List(req.Capabilities)
	if len(matching) == 0 {
		return nil, models.ErrCapabilityUnavailable
	}

	estTokens := utils.EstimateRequestTokens(req)

	constrained := matching[:0:0]
	for _, d := range matching {
		if d.MaxContextTokens > 0 && estTokens > d.MaxContextTokens {
			continue
		}
		if req.MaxLatency != models.LatencyUnspecified && d.Latency > req.MaxLatency {
			continue
		}
		if req.MaxCostUSD > 0 && utils.WorstCaseCost(d, req) > req.MaxCostUSD {
			continue
		}
		constrained = append(constrained, d)
	}
	if len(constrained) == 0 {
		return nil, models.ErrCapabilityUnavailable
	}

	candidates := make([]Candidate, 0, len(constrained))
	for _, d := range constrained {
		if !r.breaker.Allows(d.Provider) {
			continue
		}
		if !r.limiter.WouldAllow(req.CallerID, d.Provider, estTokens) {
			continue
		}
		candidates = append(candidates, Candidate{Model: d, Cost: utils.WorstCaseCost(d, req)})
	}
	if len(candidates) == 0 {
		return nil, models.ErrAllProvidersUnavailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Cost != b.Cost {
			return a.Cost < b.Cost
		}
		if a.Model.Latency != b.Model.Latency {
			return a.Model.Latency < b.Model.Latency
		}
		if a.Model.Provider != b.Model.Provider {
			return a.Model.Provider < b.Model.Provider
		}
		return a.Model.ID < b.Model.ID
	})

	return candidates, nil
}

// Dispatch routes the request and invokes candidates in rank order.
// Transient provider failures fail over to the next candidate, up to
// the configured bound; permanent failures surface immediately. Every
// actual invocation settles exactly one breaker outcome and one
// rate-limit acquire.
func (r *Router) Dispatch(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
	candidates, err := r.Route(req)
	if err != nil {
		return nil, err
	}

	estTokens := utils.EstimateRequestTokens(req)
	attempts := 0
	var lastErr error

	for _, c := range candidates {
		if attempts > r.cfg.MaxFailovers {
			break
		}

		// Consume tokens first so a claimed probe slot is never left
		// dangling by a rate-limit denial.
		if decision := r.limiter.TryAcquire(req.CallerID, c.Model.Provider, estTokens); !decision.Allowed {
			continue
		}
		if !r.breaker.IsAvailable(c.Model.Provider) {
			// State changed since ranking; return the tokens.
			r.limiter.Refund(req.CallerID, c.Model.Provider, estTokens)
			continue
		}

		adapter, err := r.adapters.Get(c.Model.Provider)
		if err != nil {
			r.limiter.Refund(req.CallerID, c.Model.Provider, estTokens)
			r.logger.Error("catalog names a provider with no adapter",
				zap.String("provider", c.Model.Provider), zap.Error(err))
			continue
		}

		attempts++
		result, err := adapter.Invoke(ctx, c.Model, req)
		if err == nil {
			r.breaker.RecordOutcome(c.Model.Provider, true)
			return result, nil
		}

		if models.IsPermanent(err) {
			// The provider answered; this is a caller-side problem.
			r.breaker.RecordOutcome(c.Model.Provider, true)
			return nil, err
		}

		r.breaker.RecordOutcome(c.Model.Provider, false)
		lastErr = err
		r.logger.Warn("provider invocation failed, trying next candidate",
			zap.String("request_id", req.RequestID),
			zap.String("model_id", c.Model.ID),
			zap.Int("attempt", attempts),
			zap.Error(err))
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all failover attempts exhausted: %w", lastErr)
	}
	return nil, models.ErrAllProvidersUnavailable
}
