// Package tether maps discrete stress level to per-capsule behavioral
// bounds and publishes them atomically to the Capsule Registry, using a
// copy-on-write, atomically-published state pattern (whole-value
// replacement, per-capsule ownership) generalized to a level-indexed
// bound table.
package tether

import (
	"fmt"
	"log/slog"

	"github.com/efm-runtime/efm/pkg/registry"
	"github.com/efm-runtime/efm/pkg/stress"
)

// Bounds is the tether ceiling table for one discrete stress level. Every
// field is a ceiling (maximum permitted value); tighter stress levels
// must have ceilings <= looser ones for every field. Validate checks this;
// neither New nor config loading calls it.
type Bounds struct {
	ExplorationRadius float64
	SpawnBudget       int
	ResourceRate      float64
	LearningRate      float64
	RiskTolerance     float64
}

// Table maps each discrete stress level to its Bounds.
type Table map[stress.Level]Bounds

// DefaultTable returns the reference bound table from the source design:
// looser at Low, strictly tighter at each successive level.
func DefaultTable() Table {
	return Table{
		stress.Low:      {ExplorationRadius: 1.00, SpawnBudget: 8, ResourceRate: 1.00, LearningRate: 1.00, RiskTolerance: 0.80},
		stress.Medium:   {ExplorationRadius: 0.60, SpawnBudget: 5, ResourceRate: 0.70, LearningRate: 0.60, RiskTolerance: 0.50},
		stress.High:     {ExplorationRadius: 0.35, SpawnBudget: 2, ResourceRate: 0.40, LearningRate: 0.30, RiskTolerance: 0.25},
		stress.Critical: {ExplorationRadius: 0.20, SpawnBudget: 0, ResourceRate: 0.15, LearningRate: 0.10, RiskTolerance: 0.05},
	}
}

// Validate checks that every field is monotonically non-increasing from
// Low to Critical, the structural precondition for the rule that rising
// stress never increases slack.
func (t Table) Validate() error {
	order := []stress.Level{stress.Low, stress.Medium, stress.High, stress.Critical}
	for i := 1; i < len(order); i++ {
		prev, cur := t[order[i-1]], t[order[i]]
		if cur.ExplorationRadius > prev.ExplorationRadius ||
			cur.SpawnBudget > prev.SpawnBudget ||
			cur.ResourceRate > prev.ResourceRate ||
			cur.LearningRate > prev.LearningRate ||
			cur.RiskTolerance > prev.RiskTolerance {
			return fmt.Errorf("tether: table not monotone between %s and %s", order[i-1], order[i])
		}
	}
	return nil
}

// Manager evaluates stress level and republishes bounded tether vectors
// to every registered capsule. Because Publish writes the whole capsule
// tether vector under that capsule's lock in one call
// (registry.PublishTether), readers never see a mixed snapshot.
type Manager struct {
	table  Table
	reg    *registry.Registry
	logger *slog.Logger
}

// New creates a Manager. table must already satisfy Validate.
func New(table Table, reg *registry.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{table: table, reg: reg, logger: logger}
}

// ApplyLevel publishes the bounds for level to every registered capsule.
// This is synchronous and touches every capsule within the same call,
// which trivially satisfies the "within 10 logical ticks" response bound
// since the whole sweep completes in the same tick it is invoked on.
func (m *Manager) ApplyLevel(level stress.Level) int {
	b, ok := m.table[level]
	if !ok {
		m.logger.Warn("tether: no bounds configured for level, defaulting to Critical", "level", level)
		b = m.table[stress.Critical]
	}
	vec := registry.TetherVector{
		ExplorationRadius: b.ExplorationRadius,
		SpawnBudget:       b.SpawnBudget,
		ResourceRate:      b.ResourceRate,
		LearningRate:      b.LearningRate,
		RiskTolerance:     b.RiskTolerance,
	}

	updated := 0
	for _, snap := range m.reg.All() {
		if snap.Status == registry.StatusTerminated {
			continue
		}
		if err := m.reg.PublishTether(snap.ID, vec); err != nil {
			m.logger.Error("tether: publish failed", "capsule", snap.ID, "err", err)
			continue
		}
		updated++
	}
	return updated
}

// BoundsFor returns the configured ceiling for a level, for callers that
// need to check a specific capsule's tether against policy without a
// full registry sweep.
func (m *Manager) BoundsFor(level stress.Level) Bounds {
	return m.table[level]
}
