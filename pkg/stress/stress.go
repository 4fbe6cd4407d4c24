// Package stress computes the canonical scalar Stress signal from
// health, entropy, resource pressure, and swarm coherence, and
// discretizes it into Low/Medium/High/Critical, following a
// weighted-metric aggregation style and exported via prometheus gauges
// the way other service repos in this lineage instrument scalar health
// signals.
package stress

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Level is the discretized stress level.
type Level string

const (
	Low      Level = "Low"
	Medium   Level = "Medium"
	High     Level = "High"
	Critical Level = "Critical"
)

// Thresholds are the Low/Medium/High stress level boundaries, configurable
// via the `stress.thresholds` config key. A scalar at or above High is
// Critical.
type Thresholds struct {
	Low    float64
	Medium float64
	High   float64
}

// DefaultThresholds returns the canonical boundaries: Low(<0.25),
// Medium(<0.50), High(<0.75), Critical(>=0.75).
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 0.25, Medium: 0.50, High: 0.75}
}

// Discretize maps a stress scalar to its discrete level against t.
func Discretize(stress float64, t Thresholds) Level {
	switch {
	case stress < t.Low:
		return Low
	case stress < t.Medium:
		return Medium
	case stress < t.High:
		return High
	default:
		return Critical
	}
}

// Weights are the canonical stress formula's coefficients, configurable
// via the `stress.weights` config key.
type Weights struct {
	Health    float64
	Entropy   float64
	Resources float64
	SCI       float64
}

// DefaultWeights returns the canonical coefficients:
// Stress = 0.35*(1-Health) + 0.25*Entropy + 0.20*ResourcePressure + 0.20*(1-SCI).
func DefaultWeights() Weights {
	return Weights{Health: 0.35, Entropy: 0.25, Resources: 0.20, SCI: 0.20}
}

// Inputs are the aggregated raw signals feeding the stress formula.
type Inputs struct {
	HealthComposite  float64
	Entropy          float64
	ResourcePressure float64
	SCI              float64
}

// Compute evaluates the canonical stress formula, clamped to [0,1].
func Compute(w Weights, in Inputs) float64 {
	v := w.Health*(1-in.HealthComposite) + w.Entropy*in.Entropy + w.Resources*in.ResourcePressure + w.SCI*(1-in.SCI)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Snapshot is a published stress reading.
type Snapshot struct {
	Tick   uint64
	Value  float64
	Level  Level
}

// Monitor aggregates a scalar stress signal and republishes it to
// subscribers (the Tether Manager, Resource Governor). It is the single
// periodic recompute task in the control loop.
type Monitor struct {
	mu         sync.RWMutex
	weights    Weights
	thresholds Thresholds
	current    Snapshot

	gaugeValue prometheus.Gauge
	gaugeLevel *prometheus.GaugeVec
}

// New creates a Monitor registered against reg (pass nil to skip metric
// registration, e.g. in tests).
func New(weights Weights, thresholds Thresholds, reg prometheus.Registerer) *Monitor {
	m := &Monitor{weights: weights, thresholds: thresholds}
	m.gaugeValue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "efm", Subsystem: "stress", Name: "value",
		Help: "Canonical swarm stress scalar in [0,1].",
	})
	m.gaugeLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "efm", Subsystem: "stress", Name: "level",
		Help: "1 for the currently active discrete stress level, 0 otherwise.",
	}, []string{"level"})
	if reg != nil {
		reg.MustRegister(m.gaugeValue, m.gaugeLevel)
	}
	return m
}

// Recompute evaluates the canonical formula against fresh inputs and
// publishes the new snapshot. Called by the periodic Stress Monitor task
// and after any input change that must be observable within the
// tether-response latency bound.
func (m *Monitor) Recompute(tick uint64, in Inputs) Snapshot {
	value := Compute(m.weights, in)
	level := Discretize(value, m.thresholds)
	snap := Snapshot{Tick: tick, Value: value, Level: level}

	m.mu.Lock()
	m.current = snap
	m.mu.Unlock()

	m.gaugeValue.Set(value)
	for _, l := range []Level{Low, Medium, High, Critical} {
		v := 0.0
		if l == level {
			v = 1.0
		}
		m.gaugeLevel.WithLabelValues(string(l)).Set(v)
	}
	return snap
}

// Current returns the last published snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
