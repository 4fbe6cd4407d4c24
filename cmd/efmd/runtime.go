package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/efm-runtime/efm/pkg/audit"
	"github.com/efm-runtime/efm/pkg/bus"
	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/config"
	"github.com/efm-runtime/efm/pkg/crypto"
	"github.com/efm-runtime/efm/pkg/judicial"
	"github.com/efm-runtime/efm/pkg/liveness"
	"github.com/efm-runtime/efm/pkg/override"
	"github.com/efm-runtime/efm/pkg/pipeline"
	"github.com/efm-runtime/efm/pkg/registry"
	"github.com/efm-runtime/efm/pkg/resource"
	"github.com/efm-runtime/efm/pkg/sandbox"
	"github.com/efm-runtime/efm/pkg/stress"
	"github.com/efm-runtime/efm/pkg/telemetry"
	"github.com/efm-runtime/efm/pkg/tether"
	"github.com/efm-runtime/efm/pkg/vault"
)

// runtime holds every wired subsystem for one running instance. Fields
// are exported within the package only; there is exactly one runtime
// per process.
type runtime struct {
	doc    config.Document
	logger *slog.Logger

	clk      *clock.LiveClock
	signer   *crypto.Ed25519Signer
	auditLog *audit.Log
	vault    *vault.Vault
	registry *registry.Registry

	stressMonitor *stress.Monitor
	tetherMgr     *tether.Manager
	resourceGov   *resource.Governor
	livenessMon   *liveness.Monitor
	spawnGov      *liveness.SpawnGovernor
	sandboxEnf    *sandbox.Enforcer
	pipe          *pipeline.Pipeline
	msgBus        *bus.Bus
	court         *judicial.Court

	overrideKeys      *override.KeySet
	overrideValidator *override.Validator
	overrideHandler   *override.Handler

	telemetryProvider *telemetry.Provider
	promRegistry      *prometheus.Registry
}

// loadConfig reads path if present, falling back to the compiled-in
// defaults so `efmd serve` works with no configuration file at all.
func loadConfig(path string) (config.Document, error) {
	if _, err := os.Stat(path); err != nil {
		return config.Default(), nil
	}
	return config.Load(path, nil)
}

// newRuntime wires every subsystem from doc, in dependency order:
// crypto and clock first, then the Audit Log and Vault (both required by
// nearly everything else), then the Capsule Registry, then the
// stress/tether/resource control loop, liveness, and sandbox, then the
// judicial subsystem, the decision pipeline (whose Arbiter cites the
// court's precedents), the bus, the override channel (which references
// the registry and vault directly), and telemetry last.
func newRuntime(ctx context.Context, doc config.Document, logger *slog.Logger) (*runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		return nil, fmt.Errorf("efmd: init signer: %w", err)
	}

	clk := clock.NewLiveClock(time.Second)

	promReg := prometheus.NewRegistry()

	store := audit.NewMemStore()
	durability := audit.Durability(doc.Audit.Durability)
	auditLog := audit.New(clk, store, audit.NoopReplication{}, signer, durability, 4096, logger)

	commandmentHash := "efm:genesis:" + doc.Version
	v := vault.New(commandmentHash, signer.PublicKey())

	reg := registry.New()

	stressMonitor := stress.New(stress.Weights{
		Health:    doc.Stress.Weights.Health,
		Entropy:   doc.Stress.Weights.Entropy,
		Resources: doc.Stress.Weights.Resources,
		SCI:       doc.Stress.Weights.SCI,
	}, stress.Thresholds{
		Low:    doc.Stress.Thresholds.Low,
		Medium: doc.Stress.Thresholds.Medium,
		High:   doc.Stress.Thresholds.High,
	}, promReg)

	tetherMgr := tether.New(tether.DefaultTable(), reg, logger)

	breakerCfgs := resource.DefaultBreakerConfigs()
	breakerCfgs[resource.BreakerSpawn] = resource.BreakerConfig{TripAbove: doc.CircuitBreakers.Spawn}
	breakerCfgs[resource.BreakerLineage] = resource.BreakerConfig{TripAbove: doc.CircuitBreakers.Lineage}
	breakerCfgs[resource.BreakerSCIBroadcast] = resource.BreakerConfig{TripAbove: doc.CircuitBreakers.SCIBroadcast}
	breakerCfgs[resource.BreakerAllocation] = resource.BreakerConfig{TripAbove: doc.CircuitBreakers.Allocation}
	breakers := resource.NewCircuitBreakers(breakerCfgs)
	resourceGov := resource.New(reg, resource.DefaultBaseBudgets(), resource.DefaultRatios(), breakers)

	livenessCfg := liveness.Config{
		PulseInterval: clock.Tick(doc.Pulse.IntervalTicks),
		GracePeriod:   clock.Tick(doc.Pulse.GraceTicks),
		MaxMissed:     doc.Pulse.MaxMissed,
	}
	livenessMon := liveness.New(livenessCfg, v, reg, auditLog, clk, logger)
	spawnGov := liveness.NewSpawnGovernor(v, reg, resourceGov, auditLog)

	wasi, err := sandbox.NewWasiRuntime(ctx, sandbox.WasiConfig{
		MemoryLimitBytes: doc.Wasi.MemoryLimitBytes,
		CPUTimeLimit:     time.Duration(doc.Wasi.CPUTimeLimitMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("efmd: init sandbox runtime: %w", err)
	}
	sandboxEnf := sandbox.New(auditLog, wasi)

	motifs := pipeline.DefaultMotifs()
	if doc.Motifs.Path != "" {
		entries, err := config.LoadMotifLibrary(doc.Motifs.Path)
		if err != nil {
			return nil, fmt.Errorf("efmd: load motif library: %w", err)
		}
		motifs = make([]pipeline.MotifAnchor, 0, len(entries))
		for _, e := range entries {
			motifs = append(motifs, pipeline.MotifAnchor{
				PatternID:   e.PatternID,
				ContentHash: pipeline.HashMotifContent(e.Content),
				Reason:      e.Reason,
			})
		}
	}
	court := judicial.NewCourt(auditLog)

	reflex := pipeline.NewReflexStage(motifs)
	intuition := pipeline.NewIntuitionStage(doc.Intuition.SimilarityThreshold)
	coherence := pipeline.NewCoherenceStage(doc.Coherence.MinSCI, doc.Coherence.MinHealth, doc.Coherence.MaxEntropyDelta)
	commandments, err := pipeline.DefaultCommandments()
	if err != nil {
		return nil, fmt.Errorf("efmd: compile constitutional predicates: %w", err)
	}
	arbiter := pipeline.NewArbiterStage(commandments, court.Precedents)
	budgets := map[pipeline.StageName]time.Duration{
		pipeline.StageReflex:    time.Duration(doc.Pipeline.Budgets.ReflexMS) * time.Millisecond,
		pipeline.StageIntuition: time.Duration(doc.Pipeline.Budgets.IntuitionMS) * time.Millisecond,
		pipeline.StageCoherence: time.Duration(doc.Pipeline.Budgets.CoherenceMS) * time.Millisecond,
		pipeline.StageArbiter:   time.Duration(doc.Pipeline.Budgets.ArbiterMS) * time.Millisecond,
	}
	pipe := pipeline.New([]pipeline.Stage{reflex, intuition, coherence, arbiter}, budgets, auditLog)

	var dedup bus.DedupCache
	if doc.Redis.Addr != "" {
		dedup = bus.NewRedisDedupCache(doc.Redis.Addr, doc.Redis.Password, doc.Redis.DB)
	} else {
		dedup = bus.NewMemDedupCache()
	}
	msgBus := bus.New(v, dedup)

	overrideKeys := override.NewKeySet()
	overrideValidator := override.NewValidator(overrideKeys)
	overrideHandler := override.NewHandler(overrideValidator, auditLog, reg, v)

	tp, err := telemetry.New(ctx, telemetry.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("efmd: init telemetry: %w", err)
	}

	return &runtime{
		doc:               doc,
		logger:            logger,
		clk:               clk,
		signer:            signer,
		auditLog:          auditLog,
		vault:             v,
		registry:          reg,
		stressMonitor:     stressMonitor,
		tetherMgr:         tetherMgr,
		resourceGov:       resourceGov,
		livenessMon:       livenessMon,
		spawnGov:          spawnGov,
		sandboxEnf:        sandboxEnf,
		pipe:              pipe,
		msgBus:            msgBus,
		court:             court,
		overrideKeys:      overrideKeys,
		overrideValidator: overrideValidator,
		overrideHandler:   overrideHandler,
		telemetryProvider: tp,
		promRegistry:      promReg,
	}, nil
}

// controlTick runs one iteration of the periodic control loop: recompute
// stress, republish tether bounds, sweep liveness, and reallocate
// resources for every active capsule. cmd/efmd's serve loop calls this
// once per --tick-interval, on its own wall-clock ticker; the runtime's
// LiveClock advances once per second regardless of that flag.
func (r *runtime) controlTick(ctx context.Context) {
	now := r.clk.Now()

	snapshots := r.registry.All()
	inputs := aggregateSwarmInputs(snapshots)
	snap := r.stressMonitor.Recompute(uint64(now), inputs)

	r.tetherMgr.ApplyLevel(snap.Level)

	if err := r.livenessMon.SweepMissed(ctx, now); err != nil {
		r.logger.Warn("efmd: liveness sweep failed", "err", err)
	}

	for _, capsule := range snapshots {
		if capsule.Status != registry.StatusActive {
			continue
		}
		if err := r.resourceGov.Reallocate(capsule.ID, resource.TierNormal, snap.Level, capsule.Composite); err != nil {
			r.logger.Warn("efmd: resource reallocation failed", "capsule", capsule.ID, "err", err)
		}
	}
}

// aggregateSwarmInputs derives the stress formula's swarm-wide inputs
// from the current registry snapshot: mean composite health as the
// health term, the fraction of non-active capsules as a coarse entropy
// proxy, and one minus the mean tether resource rate as a coarse
// resource-pressure proxy. SCI is pinned to its neutral value 1.0; it is
// not read from the judicial subsystem.
func aggregateSwarmInputs(snapshots []registry.Snapshot) stress.Inputs {
	if len(snapshots) == 0 {
		return stress.Inputs{HealthComposite: 1.0, SCI: 1.0}
	}

	var healthSum, rateSum float64
	var unstable int
	for _, s := range snapshots {
		healthSum += s.Composite
		rateSum += s.Tether.ResourceRate
		if s.Status != registry.StatusActive {
			unstable++
		}
	}
	n := float64(len(snapshots))
	return stress.Inputs{
		HealthComposite:  healthSum / n,
		Entropy:          float64(unstable) / n,
		ResourcePressure: 1 - (rateSum / n),
		SCI:              1.0,
	}
}
