package resource

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/efm-runtime/efm/pkg/registry"
	"github.com/efm-runtime/efm/pkg/stress"
)

func TestHealthMultiplierClampsAtCeiling(t *testing.T) {
	require.InDelta(t, 1.25, healthMultiplier(1.0), 1e-9)
	require.InDelta(t, 1.0, healthMultiplier(0.65), 1e-9)
	require.Equal(t, 0.0, healthMultiplier(0))
}

func TestDeriveScalesByTierStressAndHealth(t *testing.T) {
	base := DefaultBaseBudgets()[TierUrgent]
	ratios := DefaultRatios()

	full := Derive(base, ratios, TierUrgent, stress.Low, 0.65)
	require.InDelta(t, base.CPUShare, full.CPUShare, 1e-9)

	degraded := Derive(base, ratios, TierUrgent, stress.Critical, 0.65)
	require.Less(t, degraded.CPUShare, full.CPUShare)
}

func TestDeriveAbsoluteTierNeverDegrades(t *testing.T) {
	base := DefaultBaseBudgets()[TierAbsolute]
	ratios := DefaultRatios()

	low := Derive(base, ratios, TierAbsolute, stress.Low, 0.65)
	crit := Derive(base, ratios, TierAbsolute, stress.Critical, 0.65)
	require.InDelta(t, low.CPUShare, crit.CPUShare, 1e-9)
}

func TestCircuitBreakerTripsAndHoldsHysteresis(t *testing.T) {
	cb := NewCircuitBreakers(DefaultBreakerConfigs())

	rejects, err := cb.Evaluate(BreakerSpawn, 0.80)
	require.NoError(t, err)
	require.True(t, rejects)

	// Falling just below the trip point should not reset the breaker;
	// hysteresis requires falling below the next level down.
	rejects, err = cb.Evaluate(BreakerSpawn, 0.60)
	require.NoError(t, err)
	require.True(t, rejects)

	rejects, err = cb.Evaluate(BreakerSpawn, 0.40)
	require.NoError(t, err)
	require.False(t, rejects)
}

func TestCircuitBreakerUnknownNameErrors(t *testing.T) {
	cb := NewCircuitBreakers(DefaultBreakerConfigs())
	_, err := cb.Evaluate(BreakerName("nonexistent"), 0.1)
	require.Error(t, err)
}

func TestAdmitReturnsCircuitOpenWhenTripped(t *testing.T) {
	cb := NewCircuitBreakers(DefaultBreakerConfigs())
	require.NoError(t, cb.Admit(BreakerAllocation, 0.10))
	require.Error(t, cb.Admit(BreakerAllocation, 0.95))
}

func TestGovernorReallocatePublishesBudget(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Insert(&registry.Capsule{ID: "cap-1", Status: registry.StatusActive}))

	g := New(reg, DefaultBaseBudgets(), DefaultRatios(), NewCircuitBreakers(DefaultBreakerConfigs()))
	require.NoError(t, g.Reallocate("cap-1", TierNormal, stress.Medium, 0.65))

	snap, err := reg.Get("cap-1")
	require.NoError(t, err)
	got := snap.Snapshot()
	require.Greater(t, got.Budget.CPUShare, 0.0)

	require.True(t, g.Allow("cap-1"))
}

func TestGovernorAllowFalseForUnknownCapsule(t *testing.T) {
	reg := registry.New()
	g := New(reg, DefaultBaseBudgets(), DefaultRatios(), NewCircuitBreakers(DefaultBreakerConfigs()))
	require.False(t, g.Allow("no-such-capsule"))
}
