package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/breaker"
	"github.com/modelgate/modelgate/src/config"
	"github.com/modelgate/modelgate/src/models"
	"github.com/modelgate/modelgate/src/provider"
	"github.com/modelgate/modelgate/src/ratelimit"
	"github.com/modelgate/modelgate/src/registry"
)

// stubAdapter scripts per-invocation outcomes for one provider.
type stubAdapter struct {
	name    string
	outcome func() (*models.InferenceResult, error)
	calls   int
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Invoke(_ context.Context, model models.ModelDescriptor, req *models.InferenceRequest) (*models.InferenceResult, error) {
	a.calls++
	if a.outcome != nil {
		return a.outcome()
	}
	return &models.InferenceResult{
		RequestID: req.RequestID,
		ModelID:   model.ID,
		Provider:  a.name,
		Output:    "ok from " + a.name,
	}, nil
}

type fixture struct {
	router   *Router
	breaker  *breaker.Breaker
	limiter  *ratelimit.Limiter
	adapters map[string]*stubAdapter
}

func newFixture(t *testing.T, descriptors []models.ModelDescriptor, providers ...string) *fixture {
	t.Helper()

	brk := breaker.New(&config.BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		RecoveryWindow:   3,
	}, zap.NewNop())

	lim := ratelimit.New(&config.RateLimitConfig{
		Capacity:     1e9,
		RefillPerSec: 1e6,
		IdleEviction: time.Hour,
	}, zap.NewNop())

	adapterReg := provider.NewRegistry()
	adapters := make(map[string]*stubAdapter)
	for _, name := range providers {
		a := &stubAdapter{name: name}
		adapters[name] = a
		adapterReg.Register(a)
	}

	r := New(
		&config.RouterConfig{MaxFailovers: 2},
		registry.New(descriptors),
		brk, lim, adapterReg,
		zap.NewNop(),
	)
	return &fixture{router: r, breaker: brk, limiter: lim, adapters: adapters}
}

func chatModel(id, providerName string, inputCost float64, latency models.LatencyClass) models.ModelDescriptor {
	return models.ModelDescriptor{
		ID:                 id,
		Provider:           providerName,
		Capabilities:       models.NewCapabilitySet(models.CapabilityChat),
		CostPerInputToken:  inputCost,
		CostPerOutputToken: inputCost,
		MaxContextTokens:   100000,
		Latency:            latency,
		Enabled:            true,
	}
}

func chatReq(caller string) *models.InferenceRequest {
	return &models.InferenceRequest{
		RequestID:    "req-1",
		CallerID:     caller,
		Capabilities: models.NewCapabilitySet(models.CapabilityChat),
		Payload: models.Payload{
			Kind:     models.PayloadChat,
			Messages: []models.ChatMessage{{Role: "user", Content: "hello"}},
		},
	}
}

func TestRoute_RanksByCostThenLatencyThenProvider(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("c/expensive", "c", 0.01, models.LatencyFast),
		chatModel("a/cheap-slow", "a", 0.001, models.LatencySlow),
		chatModel("b/cheap-fast", "b", 0.001, models.LatencyFast),
	}, "a", "b", "c")

	candidates, err := f.router.Route(chatReq("caller"))
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	assert.Equal(t, "b/cheap-fast", candidates[0].Model.ID)
	assert.Equal(t, "a/cheap-slow", candidates[1].Model.ID)
	assert.Equal(t, "c/expensive", candidates[2].Model.ID)
}

func TestRoute_Deterministic(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
		chatModel("b/m", "b", 0.001, models.LatencyFast),
		chatModel("c/m", "c", 0.001, models.LatencyFast),
	}, "a", "b", "c")

	first, err := f.router.Route(chatReq("caller"))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := f.router.Route(chatReq("caller"))
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRoute_CapabilityUnavailable(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
	}, "a")

	req := chatReq("caller")
	req.Capabilities = models.NewCapabilitySet(models.CapabilityVision)
	_, err := f.router.Route(req)
	assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)
}

func TestRoute_MaxCostFiltersCandidates(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/pricey", "a", 1.0, models.LatencyFast),
	}, "a")

	req := chatReq("caller")
	req.MaxCostUSD = 0.01
	_, err := f.router.Route(req)
	assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)
}

func TestRoute_MaxLatencyFiltersCandidates(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/slow", "a", 0.001, models.LatencySlow),
		chatModel("b/fast", "b", 0.01, models.LatencyFast),
	}, "a", "b")

	req := chatReq("caller")
	req.MaxLatency = models.LatencyFast
	candidates, err := f.router.Route(req)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "b/fast", candidates[0].Model.ID)
}

func TestRoute_OpenCircuitExcludesProvider(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
		chatModel("b/m", "b", 0.01, models.LatencyFast),
	}, "a", "b")

	// Provider A fails five consecutive times: circuit opens.
	for i := 0; i < 5; i++ {
		f.breaker.RecordOutcome("a", false)
	}

	candidates, err := f.router.Route(chatReq("caller"))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "b/m", candidates[0].Model.ID)
}

func TestRoute_RateLimitedCallerExcluded(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
	}, "a")

	// Drain the (caller, a) bucket completely.
	f.limiter.TryAcquire("caller", "a", 1e9)

	_, err := f.router.Route(chatReq("caller"))
	assert.ErrorIs(t, err, models.ErrAllProvidersUnavailable)

	// A different caller still routes.
	_, err = f.router.Route(chatReq("other"))
	assert.NoError(t, err)
}

func TestRoute_DoesNotConsumeTokens(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
	}, "a")

	before := f.limiter.Snapshot()
	for i := 0; i < 50; i++ {
		_, err := f.router.Route(chatReq("caller"))
		require.NoError(t, err)
	}
	after := f.limiter.Snapshot()

	require.Len(t, after, 1)
	if len(before) == 1 {
		assert.Equal(t, before[0].Tokens, after[0].Tokens)
	} else {
		assert.InDelta(t, 1e9, after[0].Tokens, 1)
	}
}

func TestDispatch_Success(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
	}, "a")

	result, err := f.router.Dispatch(context.Background(), chatReq("caller"))
	require.NoError(t, err)
	assert.Equal(t, "a/m", result.ModelID)
	assert.Equal(t, 1, f.adapters["a"].calls)
}

func TestDispatch_FailsOverOnTransientError(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/cheap", "a", 0.001, models.LatencyFast),
		chatModel("b/backup", "b", 0.01, models.LatencyFast),
	}, "a", "b")

	f.adapters["a"].outcome = func() (*models.InferenceResult, error) {
		return nil, models.NewTransientError("a", errors.New("connection reset"))
	}

	result, err := f.router.Dispatch(context.Background(), chatReq("caller"))
	require.NoError(t, err)
	assert.Equal(t, "b", result.Provider)
	assert.Equal(t, 1, f.adapters["a"].calls)
	assert.Equal(t, 1, f.adapters["b"].calls)
}

func TestDispatch_BoundedFailover(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
		chatModel("b/m", "b", 0.002, models.LatencyFast),
		chatModel("c/m", "c", 0.003, models.LatencyFast),
		chatModel("d/m", "d", 0.004, models.LatencyFast),
	}, "a", "b", "c", "d")

	boom := func() (*models.InferenceResult, error) {
		return nil, models.NewTransientError("x", errors.New("503"))
	}
	for _, a := range f.adapters {
		a.outcome = boom
	}

	_, err := f.router.Dispatch(context.Background(), chatReq("caller"))
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))

	total := 0
	for _, a := range f.adapters {
		total += a.calls
	}
	assert.Equal(t, 3, total, "initial attempt plus two failovers")
}

func TestDispatch_PermanentErrorSurfacesImmediately(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
		chatModel("b/m", "b", 0.01, models.LatencyFast),
	}, "a", "b")

	f.adapters["a"].outcome = func() (*models.InferenceResult, error) {
		return nil, models.NewPermanentError("a", errors.New("invalid api key"))
	}

	_, err := f.router.Dispatch(context.Background(), chatReq("caller"))
	require.Error(t, err)
	assert.True(t, models.IsPermanent(err))
	assert.Equal(t, 0, f.adapters["b"].calls, "no failover for caller-side problems")
}

func TestDispatch_TransientFailuresFeedTheBreaker(t *testing.T) {
	f := newFixture(t, []models.ModelDescriptor{
		chatModel("a/m", "a", 0.001, models.LatencyFast),
	}, "a")

	f.adapters["a"].outcome = func() (*models.InferenceResult, error) {
		return nil, models.NewTransientError("a", errors.New("timeout"))
	}

	for i := 0; i < 5; i++ {
		_, err := f.router.Dispatch(context.Background(), chatReq("caller"))
		require.Error(t, err)
	}

	assert.False(t, f.breaker.Allows("a"), "five transient failures open the circuit")
	_, err := f.router.Dispatch(context.Background(), chatReq("caller"))
	assert.ErrorIs(t, err, models.ErrAllProvidersUnavailable)
}
