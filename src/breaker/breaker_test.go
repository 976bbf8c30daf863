package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/src/config"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cfg := &config.BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     time.Minute,
		Cooldown:          30 * time.Second,
		MaxCooldown:       5 * time.Minute,
		RecoveryWindow:    3,
		RecoveryThreshold: 1,
	}
	return New(cfg, zap.NewNop()).WithClock(clock.now), clock
}

func stateOf(t *testing.T, b *Breaker, provider string) State {
	t.Helper()
	for _, s := range b.Snapshot() {
		if s.Provider == provider {
			return s.State
		}
	}
	t.Fatalf("provider %s not tracked", provider)
	return ""
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.RecordOutcome("openai", false)
		assert.True(t, b.IsAvailable("openai"))
	}

	b.RecordOutcome("openai", false)
	assert.Equal(t, StateOpen, stateOf(t, b, "openai"))
	assert.False(t, b.IsAvailable("openai"))
}

func TestBreaker_OpenNeverPermitsBeforeCooldown(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordOutcome("p", false)
	}

	for i := 0; i < 29; i++ {
		clock.advance(time.Second)
		assert.False(t, b.IsAvailable("p"), "no call permitted before cooldown elapses")
	}

	assert.Greater(t, b.TimeUntilRetry("p"), time.Duration(0))
	clock.advance(2 * time.Second)
	assert.True(t, b.IsAvailable("p"), "probe permitted after cooldown")
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordOutcome("p", false)
	}
	clock.advance(31 * time.Second)

	require.True(t, b.IsAvailable("p"))
	assert.False(t, b.IsAvailable("p"), "concurrent requests are short-circuited while the probe is in flight")
	assert.False(t, b.IsAvailable("p"))
}

func TestBreaker_ProbeSuccessEntersRecovering(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordOutcome("p", false)
	}
	clock.advance(31 * time.Second)
	require.True(t, b.IsAvailable("p"))

	b.RecordOutcome("p", true)
	assert.Equal(t, StateRecovering, stateOf(t, b, "p"))
	assert.True(t, b.IsAvailable("p"), "full traffic resumes in recovering")
}

func TestBreaker_ProbeFailureReopensWithBackoff(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordOutcome("p", false)
	}

	clock.advance(31 * time.Second)
	require.True(t, b.IsAvailable("p"))
	b.RecordOutcome("p", false)
	assert.Equal(t, StateOpen, stateOf(t, b, "p"))

	// Cooldown doubled: 31s is no longer enough
	clock.advance(31 * time.Second)
	assert.False(t, b.IsAvailable("p"))
	clock.advance(30 * time.Second)
	assert.True(t, b.IsAvailable("p"))
}

func TestBreaker_RecoveringClosesAfterSuccessStreak(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordOutcome("p", false)
	}
	clock.advance(31 * time.Second)
	require.True(t, b.IsAvailable("p"))
	b.RecordOutcome("p", true)

	b.RecordOutcome("p", true)
	b.RecordOutcome("p", true)
	assert.Equal(t, StateRecovering, stateOf(t, b, "p"))

	b.RecordOutcome("p", true)
	assert.Equal(t, StateClosed, stateOf(t, b, "p"))
}

func TestBreaker_SingleFailureDuringRecoveringReopens(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordOutcome("p", false)
	}
	clock.advance(31 * time.Second)
	require.True(t, b.IsAvailable("p"))
	b.RecordOutcome("p", true)
	require.Equal(t, StateRecovering, stateOf(t, b, "p"))

	b.RecordOutcome("p", false)
	assert.Equal(t, StateOpen, stateOf(t, b, "p"))
	assert.False(t, b.IsAvailable("p"))
}

func TestBreaker_RecoveringToleratesFailuresBelowThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cfg := &config.BreakerConfig{
		FailureThreshold:  5,
		FailureWindow:     time.Minute,
		Cooldown:          30 * time.Second,
		MaxCooldown:       5 * time.Minute,
		RecoveryWindow:    3,
		RecoveryThreshold: 2,
	}
	b := New(cfg, zap.NewNop()).WithClock(clock.now)

	for i := 0; i < 5; i++ {
		b.RecordOutcome("p", false)
	}
	clock.advance(31 * time.Second)
	require.True(t, b.IsAvailable("p"))
	b.RecordOutcome("p", true)
	require.Equal(t, StateRecovering, stateOf(t, b, "p"))

	// First failure interrupts the streak but stays recovering.
	b.RecordOutcome("p", false)
	assert.Equal(t, StateRecovering, stateOf(t, b, "p"))

	b.RecordOutcome("p", false)
	assert.Equal(t, StateOpen, stateOf(t, b, "p"))
}

func TestBreaker_SlidingWindowForgetsOldFailures(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.RecordOutcome("p", false)
	}
	clock.advance(2 * time.Minute)

	// The four old failures fell out of the window
	b.RecordOutcome("p", false)
	assert.Equal(t, StateClosed, stateOf(t, b, "p"))
	assert.True(t, b.IsAvailable("p"))
}

func TestBreaker_ProvidersAreIndependent(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 5; i++ {
		b.RecordOutcome("a", false)
	}

	assert.False(t, b.IsAvailable("a"))
	assert.True(t, b.IsAvailable("b"))
}

func TestBreaker_TimeUntilRetry(t *testing.T) {
	b, clock := newTestBreaker()

	assert.Zero(t, b.TimeUntilRetry("p"))

	for i := 0; i < 5; i++ {
		b.RecordOutcome("p", false)
	}
	assert.Equal(t, 30*time.Second, b.TimeUntilRetry("p"))

	clock.advance(10 * time.Second)
	assert.Equal(t, 20*time.Second, b.TimeUntilRetry("p"))
}
