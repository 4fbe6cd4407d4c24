// Package resource implements the Resource Governor: priority-tiered,
// stress-scaled, health-scaled per-capsule budgets, plus the four named
// circuit breakers with hysteresis. Token-bucket enforcement uses
// golang.org/x/time/rate, the same library used to pace outbound calls
// elsewhere in this codebase.
package resource

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/efm-runtime/efm/pkg/errkind"
	"github.com/efm-runtime/efm/pkg/registry"
	"github.com/efm-runtime/efm/pkg/stress"
)

// Tier is a capsule's priority tier for resource allocation.
type Tier string

const (
	TierAbsolute Tier = "absolute"
	TierCritical Tier = "critical"
	TierUrgent   Tier = "urgent"
	TierNormal   Tier = "normal"
	TierDeferred Tier = "deferred"
)

// AllocationRatio is the fraction of the base budget a tier receives at a
// given stress level.
type AllocationRatio map[Tier]map[stress.Level]float64

// DefaultRatios returns the reference allocation table: tighter tiers
// degrade more slowly under stress than deferred work.
func DefaultRatios() AllocationRatio {
	return AllocationRatio{
		TierAbsolute: {stress.Low: 1.00, stress.Medium: 1.00, stress.High: 1.00, stress.Critical: 1.00},
		TierCritical: {stress.Low: 1.00, stress.Medium: 0.90, stress.High: 0.75, stress.Critical: 0.60},
		TierUrgent:   {stress.Low: 1.00, stress.Medium: 0.75, stress.High: 0.50, stress.Critical: 0.25},
		TierNormal:   {stress.Low: 0.90, stress.Medium: 0.60, stress.High: 0.30, stress.Critical: 0.10},
		TierDeferred: {stress.Low: 0.70, stress.Medium: 0.30, stress.High: 0.05, stress.Critical: 0.00},
	}
}

// BaseBudget is the un-scaled per-capsule budget a tier is entitled to
// before stress and health scaling are applied.
type BaseBudget struct {
	CPUShare       float64
	MemoryCeiling  int64
	ExecutionTicks int
	IOBandwidth    float64
	SpawnBudget    int
}

// DefaultBaseBudgets returns a reference base budget per tier.
func DefaultBaseBudgets() map[Tier]BaseBudget {
	return map[Tier]BaseBudget{
		TierAbsolute: {CPUShare: 1.0, MemoryCeiling: 1 << 30, ExecutionTicks: 10000, IOBandwidth: 1.0, SpawnBudget: 10},
		TierCritical: {CPUShare: 0.6, MemoryCeiling: 512 << 20, ExecutionTicks: 5000, IOBandwidth: 0.6, SpawnBudget: 6},
		TierUrgent:   {CPUShare: 0.4, MemoryCeiling: 256 << 20, ExecutionTicks: 2000, IOBandwidth: 0.4, SpawnBudget: 4},
		TierNormal:   {CPUShare: 0.2, MemoryCeiling: 128 << 20, ExecutionTicks: 1000, IOBandwidth: 0.2, SpawnBudget: 2},
		TierDeferred: {CPUShare: 0.05, MemoryCeiling: 32 << 20, ExecutionTicks: 200, IOBandwidth: 0.05, SpawnBudget: 0},
	}
}

// healthMultiplier scales a budget by health/0.65, clamped to <=1.25.
func healthMultiplier(health float64) float64 {
	m := health / 0.65
	if m > 1.25 {
		return 1.25
	}
	if m < 0 {
		return 0
	}
	return m
}

// Derive computes a capsule's resource budget from tier, stress level,
// and capsule health.
func Derive(base BaseBudget, ratios AllocationRatio, tier Tier, level stress.Level, health float64) registry.ResourceBudget {
	ratio := ratios[tier][level]
	hm := healthMultiplier(health)
	scale := ratio * hm
	return registry.ResourceBudget{
		CPUShare:       base.CPUShare * scale,
		MemoryCeiling:  int64(float64(base.MemoryCeiling) * scale),
		ExecutionTicks: int(float64(base.ExecutionTicks) * scale),
		IOBandwidth:    base.IOBandwidth * scale,
		SpawnBudget:    int(float64(base.SpawnBudget) * scale),
	}
}

// BreakerName identifies one of the four named circuit breakers.
type BreakerName string

const (
	BreakerSpawn        BreakerName = "spawn"
	BreakerLineage      BreakerName = "lineage"
	BreakerSCIBroadcast BreakerName = "sci_broadcast"
	BreakerAllocation   BreakerName = "allocation"
)

// BreakerConfig sets the trip threshold for one breaker, expressed as a
// stress scalar.
type BreakerConfig struct {
	TripAbove float64
}

// breakerState tracks a single breaker's tripped/untripped state with
// hysteresis: once tripped, it stays tripped until stress falls one
// discrete level below the trip point.
type breakerState struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	tripped bool
}

// CircuitBreakers holds the four named breakers.
type CircuitBreakers struct {
	breakers map[BreakerName]*breakerState
}

// DefaultBreakerConfigs returns reference trip thresholds.
func DefaultBreakerConfigs() map[BreakerName]BreakerConfig {
	return map[BreakerName]BreakerConfig{
		BreakerSpawn:        {TripAbove: 0.75},
		BreakerLineage:      {TripAbove: 0.75},
		BreakerSCIBroadcast: {TripAbove: 0.50},
		BreakerAllocation:   {TripAbove: 0.90},
	}
}

// NewCircuitBreakers builds the breaker set from configs.
func NewCircuitBreakers(cfgs map[BreakerName]BreakerConfig) *CircuitBreakers {
	cb := &CircuitBreakers{breakers: make(map[BreakerName]*breakerState, len(cfgs))}
	for name, cfg := range cfgs {
		cb.breakers[name] = &breakerState{cfg: cfg}
	}
	return cb
}

// oneLevelBelow returns the stress scalar threshold one discrete level
// below the trip point, used as the hysteresis reset boundary.
func oneLevelBelow(tripAbove float64) float64 {
	switch {
	case tripAbove >= 0.75:
		return 0.50
	case tripAbove >= 0.50:
		return 0.25
	default:
		return 0.0
	}
}

// Evaluate updates a breaker's tripped state given the current stress
// scalar and returns whether the breaker currently rejects admission.
func (cb *CircuitBreakers) Evaluate(name BreakerName, currentStress float64) (rejects bool, err error) {
	b, ok := cb.breakers[name]
	if !ok {
		return false, errkind.New("resource.Evaluate", errkind.UnknownCapsule, "unknown breaker: "+string(name))
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.tripped && currentStress > b.cfg.TripAbove {
		b.tripped = true
	} else if b.tripped && currentStress < oneLevelBelow(b.cfg.TripAbove) {
		b.tripped = false
	}
	return b.tripped, nil
}

// Admit returns a typed CircuitOpen error if the named breaker currently
// rejects admission.
func (cb *CircuitBreakers) Admit(name BreakerName, currentStress float64) error {
	rejects, err := cb.Evaluate(name, currentStress)
	if err != nil {
		return err
	}
	if rejects {
		return errkind.New("resource.Admit", errkind.CircuitOpen, string(name)+" breaker is open")
	}
	return nil
}

// Governor allocates and enforces per-capsule budgets.
type Governor struct {
	mu       sync.Mutex
	base     map[Tier]BaseBudget
	ratios   AllocationRatio
	breakers *CircuitBreakers
	limiters map[string]*rate.Limiter
	reg      *registry.Registry
}

// New constructs a Governor.
func New(reg *registry.Registry, base map[Tier]BaseBudget, ratios AllocationRatio, breakers *CircuitBreakers) *Governor {
	return &Governor{
		base:     base,
		ratios:   ratios,
		breakers: breakers,
		limiters: make(map[string]*rate.Limiter),
		reg:      reg,
	}
}

// Reallocate derives and publishes a fresh budget for id given its tier,
// the current stress level, and its current health.
func (g *Governor) Reallocate(id string, tier Tier, level stress.Level, health float64) error {
	budget := Derive(g.base[tier], g.ratios, tier, level, health)
	if err := g.reg.PublishBudget(id, budget); err != nil {
		return err
	}

	g.mu.Lock()
	// Refills at ten tokens per second per unit of CPUShare, with a burst
	// equal to the derived ExecutionTicks.
	g.limiters[id] = rate.NewLimiter(rate.Limit(budget.CPUShare*10), budget.ExecutionTicks)
	g.mu.Unlock()
	return nil
}

// Allow reports whether id may currently execute one unit of work under
// its token bucket, without blocking.
func (g *Governor) Allow(id string) bool {
	g.mu.Lock()
	limiter, ok := g.limiters[id]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return limiter.Allow()
}

// AdmitSpawn checks the spawn and lineage breakers before allowing the
// Spawn Governor to proceed with admission.
func (g *Governor) AdmitSpawn(currentStress float64) error {
	if err := g.breakers.Admit(BreakerSpawn, currentStress); err != nil {
		return err
	}
	return g.breakers.Admit(BreakerLineage, currentStress)
}

// AdmitAllocation checks the allocation breaker.
func (g *Governor) AdmitAllocation(currentStress float64) error {
	return g.breakers.Admit(BreakerAllocation, currentStress)
}

// AdmitSCIBroadcast checks the sci_broadcast breaker.
func (g *Governor) AdmitSCIBroadcast(currentStress float64) error {
	return g.breakers.Admit(BreakerSCIBroadcast, currentStress)
}
