package stress

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestDiscretizeBoundaries(t *testing.T) {
	th := DefaultThresholds()
	require.Equal(t, Low, Discretize(0, th))
	require.Equal(t, Low, Discretize(0.24, th))
	require.Equal(t, Medium, Discretize(0.25, th))
	require.Equal(t, Medium, Discretize(0.49, th))
	require.Equal(t, High, Discretize(0.50, th))
	require.Equal(t, High, Discretize(0.74, th))
	require.Equal(t, Critical, Discretize(0.75, th))
	require.Equal(t, Critical, Discretize(1.0, th))
}

func TestDiscretizeUsesCustomThresholds(t *testing.T) {
	th := Thresholds{Low: 0.30, Medium: 0.60, High: 0.85}
	require.Equal(t, Low, Discretize(0.29, th))
	require.Equal(t, Medium, Discretize(0.30, th))
	require.Equal(t, High, Discretize(0.60, th))
	require.Equal(t, Critical, Discretize(0.85, th))
}

func TestComputeMatchesCanonicalFormula(t *testing.T) {
	w := DefaultWeights()
	v := Compute(w, Inputs{HealthComposite: 1.0, Entropy: 0, ResourcePressure: 0, SCI: 1.0})
	require.InDelta(t, 0.0, v, 1e-9)

	v = Compute(w, Inputs{HealthComposite: 0, Entropy: 1, ResourcePressure: 1, SCI: 0})
	require.InDelta(t, 1.0, v, 1e-9)
}

func TestComputeClampsToUnitInterval(t *testing.T) {
	w := Weights{Health: 1, Entropy: 1, Resources: 1, SCI: 1}
	v := Compute(w, Inputs{HealthComposite: 0, Entropy: 1, ResourcePressure: 1, SCI: 0})
	require.LessOrEqual(t, v, 1.0)
	require.GreaterOrEqual(t, v, 0.0)
}

func TestMonitorRecomputePublishesSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(DefaultWeights(), DefaultThresholds(), reg)

	snap := m.Recompute(5, Inputs{HealthComposite: 0.9, Entropy: 0.1, ResourcePressure: 0.1, SCI: 0.9})
	require.Equal(t, uint64(5), snap.Tick)
	require.Equal(t, Low, snap.Level)
	require.Equal(t, snap, m.Current())
}

func TestMonitorWorksWithoutRegisterer(t *testing.T) {
	m := New(DefaultWeights(), DefaultThresholds(), nil)
	snap := m.Recompute(1, Inputs{HealthComposite: 0, Entropy: 1, ResourcePressure: 1, SCI: 0})
	require.Equal(t, Critical, snap.Level)
}

func TestMonitorRecomputeTransitionsLevelGaugeExclusively(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(DefaultWeights(), DefaultThresholds(), reg)

	m.Recompute(1, Inputs{HealthComposite: 1.0, Entropy: 0, ResourcePressure: 0, SCI: 1.0})
	require.Equal(t, Low, m.Current().Level)

	m.Recompute(2, Inputs{HealthComposite: 0, Entropy: 1, ResourcePressure: 1, SCI: 0})
	require.Equal(t, Critical, m.Current().Level)
}
