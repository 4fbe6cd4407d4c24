// Package registry implements the Capsule Registry: the mapping from
// capsule id to runtime state, health, lineage, and tether values. Each
// capsule slot owns its own mutable fields; WithLockedPair acquires two
// slots in id order to preclude deadlock (spawn and terminate each touch
// one capsule at a time and do not use it), following a general discipline of per-record
// ownership over global locks (ledger obligations, governance liveness
// states elsewhere in this lineage).
package registry

import (
	"sort"
	"sync"

	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/errkind"
)

// Stage is a capsule's developmental lifecycle stage.
type Stage string

const (
	StageGenesis   Stage = "Genesis"
	StageInfant    Stage = "Infant"
	StageJuvenile  Stage = "Juvenile"
	StageMature    Stage = "Mature"
	StageSenescent Stage = "Senescent"
	StageTerminal  Stage = "Terminal"
)

// Status is a capsule's operational status, orthogonal to Stage.
type Status string

const (
	StatusActive      Status = "Active"
	StatusQuarantined Status = "Quarantined"
	StatusTerminated  Status = "Terminated"
)

// GrowthMode governs how permissively a capsule may explore/change.
type GrowthMode string

const (
	GrowthOpen   GrowthMode = "Open"
	GrowthSensor GrowthMode = "Sensor"
	GrowthClosed GrowthMode = "Closed"
)

// Health is the raw health vector; Composite is derived, never stored
// independently, so it can never drift from the composite health
// formula.
type Health struct {
	QGen    float64 `json:"q_gen"`
	QSynth  float64 `json:"q_synth"`
	QTemp   float64 `json:"q_temp"`
	Entropy float64 `json:"entropy"`
}

// Composite computes 0.40*QGen + 0.35*QSynth + 0.25*QTemp - 0.20*Entropy,
// clamped to [0,1].
func (h Health) Composite() float64 {
	v := 0.40*h.QGen + 0.35*h.QSynth + 0.25*h.QTemp - 0.20*h.Entropy
	return clamp01(v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TetherVector bounds a capsule's behavior; published atomically by the
// Tether Manager (see package tether). Kept here as a value type so a
// Capsule snapshot always carries a self-consistent copy.
type TetherVector struct {
	ExplorationRadius float64 `json:"exploration_radius"`
	SpawnBudget       int     `json:"spawn_budget"`
	ResourceRate      float64 `json:"resource_rate"`
	LearningRate      float64 `json:"learning_rate"`
	RiskTolerance     float64 `json:"risk_tolerance"`
}

// ResourceBudget is the capsule's currently allocated resource envelope
// (mirrored/overwritten by package resource on every re-evaluation).
type ResourceBudget struct {
	CPUShare       float64 `json:"cpu_share"`
	MemoryCeiling  int64   `json:"memory_ceiling"`
	ExecutionTicks int     `json:"execution_ticks"`
	IOBandwidth    float64 `json:"io_bandwidth"`
	SpawnBudget    int     `json:"spawn_budget"`
}

// Capsule is one capsule's full runtime state. Access to a specific
// Capsule's mutable fields is protected by that Capsule's own mutex —
// never a registry-wide lock — so unrelated capsules never contend.
type Capsule struct {
	mu sync.Mutex

	ID            string
	ParentID      string
	GenesisHash   string
	LineageDepth  int
	CreationTick  clock.Tick
	PublicKeyHex  string

	Stage  Stage
	Status Status

	Health Health
	Tether TetherVector
	Budget ResourceBudget

	LastPulseTick clock.Tick
	MissCounter   int
	GrowthMode    GrowthMode

	age clock.Tick // ticks since creation, updated by Advance
}

// Snapshot is an immutable, safely-shared copy of a Capsule's state, used
// by read-mostly consumers (pipeline stage evaluation, SCI computation)
// without holding the capsule's lock.
type Snapshot struct {
	ID            string
	ParentID      string
	GenesisHash   string
	LineageDepth  int
	Stage         Stage
	Status        Status
	Health        Health
	Composite     float64
	Tether        TetherVector
	Budget        ResourceBudget
	LastPulseTick clock.Tick
	MissCounter   int
	GrowthMode    GrowthMode
	Age           clock.Tick
}

func (c *Capsule) snapshotLocked() Snapshot {
	return Snapshot{
		ID: c.ID, ParentID: c.ParentID, GenesisHash: c.GenesisHash,
		LineageDepth: c.LineageDepth, Stage: c.Stage, Status: c.Status,
		Health: c.Health, Composite: c.Health.Composite(), Tether: c.Tether,
		Budget: c.Budget, LastPulseTick: c.LastPulseTick, MissCounter: c.MissCounter,
		GrowthMode: c.GrowthMode, Age: c.age,
	}
}

// Snapshot returns a lock-consistent copy of the capsule's current state.
func (c *Capsule) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// stageForAge derives the lifecycle stage from age and health, per §3:
// Infant (age<100) -> Juvenile (100<=age<1000) -> Mature -> Senescent
// (health<0.40) -> Terminal (health<0.20).
func stageForAge(age clock.Tick, composite float64) Stage {
	if composite < 0.20 {
		return StageTerminal
	}
	if composite < 0.40 {
		return StageSenescent
	}
	switch {
	case age < 100:
		return StageInfant
	case age < 1000:
		return StageJuvenile
	default:
		return StageMature
	}
}

// Registry owns the id -> *Capsule map. The map itself is guarded by a
// coarse lock only for insert/delete/lookup; per-capsule field mutation
// never holds the registry lock, only the capsule's own.
type Registry struct {
	mu       sync.RWMutex
	capsules map[string]*Capsule
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{capsules: make(map[string]*Capsule)}
}

// Insert adds a newly admitted capsule. Fails if id already present.
func (r *Registry) Insert(c *Capsule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.capsules[c.ID]; exists {
		return errkind.New("registry.Insert", errkind.IdAlreadyRegistered, c.ID)
	}
	r.capsules[c.ID] = c
	return nil
}

// Get returns the capsule for id.
func (r *Registry) Get(id string) (*Capsule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capsules[id]
	if !ok {
		return nil, errkind.New("registry.Get", errkind.UnknownCapsule, id)
	}
	return c, nil
}

// All returns a snapshot of every registered capsule.
func (r *Registry) All() []Snapshot {
	r.mu.RLock()
	ids := make([]string, 0, len(r.capsules))
	for id := range r.capsules {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		r.mu.RLock()
		c := r.capsules[id]
		r.mu.RUnlock()
		out = append(out, c.Snapshot())
	}
	return out
}

// WithLockedPair acquires two capsules' locks in id-sorted order to
// preclude deadlock, then invokes fn with both.
func (r *Registry) WithLockedPair(idA, idB string, fn func(a, b *Capsule) error) error {
	ca, err := r.Get(idA)
	if err != nil {
		return err
	}
	cb, err := r.Get(idB)
	if err != nil {
		return err
	}
	first, second := ca, cb
	if idB < idA {
		first, second = cb, ca
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	return fn(ca, cb)
}

// UpdateHealth sets a capsule's health vector and recomputes its
// lifecycle stage accordingly.
func (r *Registry) UpdateHealth(id string, h Health) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Health = h
	c.Stage = stageForAge(c.age, h.Composite())
	return nil
}

// Advance bumps a capsule's age by ticks and re-derives its stage. The
// control loop does not call it.
func (r *Registry) Advance(id string, ticks clock.Tick) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.age += ticks
	c.Stage = stageForAge(c.age, c.Health.Composite())
	return nil
}

// SetStatus performs a monotone status transition. The only permitted
// backward transition is Quarantined -> Active, which the caller must
// mark explicitly as a probation completion; Terminated is a sink.
func (r *Registry) SetStatus(id string, status Status, isProbationRecovery bool) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Status == StatusTerminated {
		return errkind.New("registry.SetStatus", errkind.InvariantViolation, "cannot leave Terminated: "+id)
	}
	if c.Status == StatusQuarantined && status == StatusActive && !isProbationRecovery {
		return errkind.New("registry.SetStatus", errkind.InvariantViolation, "Quarantined->Active requires probation completion")
	}
	c.Status = status
	return nil
}

// PublishTether atomically overwrites a capsule's tether vector. Because
// the whole vector is replaced under the capsule's single mutex, readers
// via Snapshot never observe a mixed vector.
func (r *Registry) PublishTether(id string, t TetherVector) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tether = t
	return nil
}

// PublishBudget atomically overwrites a capsule's resource budget.
func (r *Registry) PublishBudget(id string, b ResourceBudget) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Budget = b
	return nil
}

// RecordPulse resets the miss counter and updates the last-accepted tick.
func (r *Registry) RecordPulse(id string, tick clock.Tick) error {
	c, err := r.Get(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastPulseTick = tick
	c.MissCounter = 0
	return nil
}

// IncrementMiss bumps the miss counter and returns the new value.
func (r *Registry) IncrementMiss(id string) (int, error) {
	c, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MissCounter++
	return c.MissCounter, nil
}
