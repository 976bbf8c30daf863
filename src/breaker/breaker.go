package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/config"
)

// State is the circuit state for one provider.
type State string

const (
	StateClosed     State = "closed"
	StateOpen       State = "open"
	StateHalfOpen   State = "half_open"
	StateRecovering State = "recovering"
)

// providerState is the mutable record for one provider. Guarded by its
// own mutex so providers never contend with each other.
type providerState struct {
	mu sync.Mutex

	state            State
	failures         []time.Time // failure timestamps inside the sliding window
	successStreak    int
	recoveryFailures int
	lastTransition   time.Time
	probeUntil       time.Time // next probe-eligible time while open
	probeInFlight    bool
	cooldown         time.Duration // current cooldown, grows on repeated probe failures
	openTransitions  int
}

// Breaker is a per-provider failure-isolation state machine. It only
// gates eligibility; it never retries anything itself.
type Breaker struct {
	cfg    *config.BreakerConfig
	logger *zap.Logger
	now    func() time.Time

	mu        sync.RWMutex
	providers map[string]*providerState
}

func New(cfg *config.BreakerConfig, logger *zap.Logger) *Breaker {
	return &Breaker{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		providers: make(map[string]*providerState),
	}
}

// WithClock overrides the breaker's clock. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) stateFor(provider string) *providerState {
	b.mu.RLock()
	ps, ok := b.providers[provider]
	b.mu.RUnlock()
	if ok {
		return ps
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ps, ok = b.providers[provider]; ok {
		return ps
	}
	ps = &providerState{
		state:          StateClosed,
		cooldown:       b.cfg.Cooldown,
		lastTransition: b.now(),
	}
	b.providers[provider] = ps
	return ps
}

func (b *Breaker) transition(ps *providerState, to State, provider string, now time.Time) {
	from := ps.state
	ps.state = to
	ps.lastTransition = now
	switch to {
	case StateOpen:
		ps.probeUntil = now.Add(ps.cooldown)
		ps.probeInFlight = false
		ps.successStreak = 0
		ps.openTransitions++
	case StateRecovering:
		ps.successStreak = 0
		ps.recoveryFailures = 0
		ps.failures = ps.failures[:0]
		// Recovered probes reset the backoff ladder
		ps.cooldown = b.cfg.Cooldown
	case StateClosed:
		ps.failures = ps.failures[:0]
		ps.successStreak = 0
	}
	b.logger.Info("circuit transition",
		zap.String("provider", provider),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// pruneLocked drops failures that fell out of the sliding window.
func (b *Breaker) pruneLocked(ps *providerState, now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	kept := ps.failures[:0]
	for _, t := range ps.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	ps.failures = kept
}

// IsAvailable reports whether calls to provider are currently
// permitted. In HALF_OPEN it atomically claims the single probe slot,
// so exactly one concurrent request gets through.
func (b *Breaker) IsAvailable(provider string) bool {
	ps := b.stateFor(provider)
	now := b.now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch ps.state {
	case StateClosed, StateRecovering:
		return true
	case StateOpen:
		if now.Before(ps.probeUntil) {
			return false
		}
		b.transition(ps, StateHalfOpen, provider, now)
		ps.probeInFlight = true
		return true
	case StateHalfOpen:
		if ps.probeInFlight {
			return false
		}
		ps.probeInFlight = true
		return true
	}
	return false
}

// Allows is the read-only availability check used during candidate
// ranking. Unlike IsAvailable it never claims the half-open probe slot
// and never transitions state, keeping route() a pure function of
// breaker state.
func (b *Breaker) Allows(provider string) bool {
	ps := b.stateFor(provider)
	now := b.now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch ps.state {
	case StateClosed, StateRecovering:
		return true
	case StateOpen:
		return !now.Before(ps.probeUntil)
	case StateHalfOpen:
		return !ps.probeInFlight
	}
	return false
}

// RecordOutcome feeds one call result into the state machine. Only
// transient failures should be recorded as success=false; permanent
// provider errors indicate a caller-side problem, not provider health.
func (b *Breaker) RecordOutcome(provider string, success bool) {
	ps := b.stateFor(provider)
	now := b.now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch ps.state {
	case StateClosed:
		if success {
			b.pruneLocked(ps, now)
			return
		}
		ps.failures = append(ps.failures, now)
		b.pruneLocked(ps, now)
		if len(ps.failures) >= b.cfg.FailureThreshold {
			b.transition(ps, StateOpen, provider, now)
		}

	case StateHalfOpen:
		ps.probeInFlight = false
		if success {
			b.transition(ps, StateRecovering, provider, now)
			return
		}
		// Failed probe: back off the cooldown exponentially
		ps.cooldown *= 2
		if ps.cooldown > b.cfg.MaxCooldown {
			ps.cooldown = b.cfg.MaxCooldown
		}
		b.transition(ps, StateOpen, provider, now)

	case StateRecovering:
		if !success {
			// More sensitive tracking during recovery: the circuit
			// reopens at RecoveryThreshold failures, not the full
			// FailureThreshold. The default of 1 reopens immediately.
			ps.recoveryFailures++
			ps.successStreak = 0
			if ps.recoveryFailures >= b.cfg.RecoveryThreshold {
				b.transition(ps, StateOpen, provider, now)
			}
			return
		}
		ps.successStreak++
		if ps.successStreak >= b.cfg.RecoveryWindow {
			b.transition(ps, StateClosed, provider, now)
		}

	case StateOpen:
		// A late result from a call admitted before the circuit
		// opened. Successes are ignored; failures just confirm it.
	}
}

// TimeUntilRetry returns how long until the provider becomes probe
// eligible. Zero when calls are currently permitted.
func (b *Breaker) TimeUntilRetry(provider string) time.Duration {
	ps := b.stateFor(provider)
	now := b.now()

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.state != StateOpen {
		return 0
	}
	if wait := ps.probeUntil.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// ProviderSnapshot is one provider's circuit state for the admin surface.
type ProviderSnapshot struct {
	Provider       string    `json:"provider"`
	State          State     `json:"state"`
	WindowFailures int       `json:"window_failures"`
	SuccessStreak  int       `json:"success_streak"`
	LastTransition time.Time `json:"last_transition"`
	NextProbeAt    time.Time `json:"next_probe_at,omitempty"`
}

// Snapshot reports every tracked provider's circuit state.
func (b *Breaker) Snapshot() []ProviderSnapshot {
	b.mu.RLock()
	names := make([]string, 0, len(b.providers))
	for name := range b.providers {
		names = append(names, name)
	}
	b.mu.RUnlock()

	now := b.now()
	out := make([]ProviderSnapshot, 0, len(names))
	for _, name := range names {
		ps := b.stateFor(name)
		ps.mu.Lock()
		b.pruneLocked(ps, now)
		snap := ProviderSnapshot{
			Provider:       name,
			State:          ps.state,
			WindowFailures: len(ps.failures),
			SuccessStreak:  ps.successStreak,
			LastTransition: ps.lastTransition,
		}
		if ps.state == StateOpen {
			snap.NextProbeAt = ps.probeUntil
		}
		ps.mu.Unlock()
		out = append(out, snap)
	}
	return out
}
