// Package liveness implements pulse accounting, ghost detection, and
// spawn admission, following the guardian package's heartbeat tracker
// (missed-heartbeat counters keyed by peer id) generalized to the
// capsule lifecycle's Active/Missed/Quarantined/Terminated states.
package liveness

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/efm-runtime/efm/pkg/audit"
	"github.com/efm-runtime/efm/pkg/canonicalize"
	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/crypto"
	"github.com/efm-runtime/efm/pkg/errkind"
	"github.com/efm-runtime/efm/pkg/registry"
	"github.com/efm-runtime/efm/pkg/resource"
	"github.com/efm-runtime/efm/pkg/vault"
)

// Config holds the pulse timing parameters.
type Config struct {
	PulseInterval clock.Tick
	GracePeriod   clock.Tick
	MaxMissed     int
}

// DefaultConfig returns the reference pulse timing.
func DefaultConfig() Config {
	return Config{PulseInterval: 10, GracePeriod: 5, MaxMissed: 3}
}

// Pulse is one liveness heartbeat presented for verification.
type Pulse struct {
	CapsuleID    string
	GenesisHash  string
	SignatureHex string
	Tick         clock.Tick
}

// GhostReason names why a pulse was classified as a ghost.
type GhostReason string

const (
	GhostUnknownID       GhostReason = "unknown_id"
	GhostGenesisMismatch GhostReason = "genesis_mismatch"
	GhostInvalidSig      GhostReason = "invalid_signature"
	GhostStaleTick       GhostReason = "stale_tick"
	GhostTerminated      GhostReason = "terminated_capsule"
)

// Monitor tracks pulses and drives the liveness state machine.
type Monitor struct {
	cfg    Config
	vault  *vault.Vault
	reg    *registry.Registry
	audit  *audit.Log
	clk    clock.Source
	logger *slog.Logger
}

// New constructs a Monitor.
func New(cfg Config, v *vault.Vault, reg *registry.Registry, log *audit.Log, clk clock.Source, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, vault: v, reg: reg, audit: log, clk: clk, logger: logger}
}

// pulseSignedFields is the canonicalized payload a capsule signs to
// authenticate a pulse.
type pulseSignedFields struct {
	CapsuleID   string     `json:"capsule_id"`
	GenesisHash string     `json:"genesis_hash"`
	Tick        clock.Tick `json:"tick"`
}

// classifyGhost checks a pulse against the Vault and Registry, returning
// the ghost reason if the pulse cannot be trusted, or "" if it is
// legitimate. This is the sole gate before pulse accounting runs.
func (m *Monitor) classifyGhost(p Pulse) GhostReason {
	if !m.vault.IsRegistered(p.CapsuleID) {
		return GhostUnknownID
	}
	if m.vault.IsTerminated(p.CapsuleID) {
		return GhostTerminated
	}
	genesis, err := m.vault.Genesis(p.CapsuleID)
	if err != nil || genesis.ContentHash != p.GenesisHash {
		return GhostGenesisMismatch
	}
	pubKey, err := m.vault.PublicKey(p.CapsuleID)
	if err != nil {
		return GhostUnknownID
	}
	canonical, err := canonicalize.JSON(pulseSignedFields{CapsuleID: p.CapsuleID, GenesisHash: p.GenesisHash, Tick: p.Tick})
	if err != nil {
		return GhostInvalidSig
	}
	data := canonicalize.DomainBytes("efm:liveness:pulse:v1", canonical)
	ok, err := crypto.Verify(hex.EncodeToString(pubKey), p.SignatureHex, data)
	if err != nil || !ok {
		return GhostInvalidSig
	}
	if cap, err := m.reg.Get(p.CapsuleID); err == nil {
		snap := cap.Snapshot()
		if p.Tick+m.cfg.GracePeriod < snap.LastPulseTick {
			return GhostStaleTick
		}
	}
	return ""
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ProcessPulse verifies and records a pulse. Any ghost pulse — from an
// unknown or terminated capsule, or one impersonating a known, active
// capsule (genesis mismatch, invalid signature, or stale tick) — is
// rejected with exactly one PULSE_REJECTED audit entry; a ghost pulse
// impersonating a known, active capsule additionally quarantines it, as
// part of that same rejection rather than a separate audit entry.
func (m *Monitor) ProcessPulse(ctx context.Context, p Pulse) error {
	reason := m.classifyGhost(p)
	if reason != "" {
		m.logger.Warn("liveness: ghost pulse detected", "capsule", p.CapsuleID, "reason", reason)

		switch reason {
		case GhostUnknownID:
			// unregistered capsule: nothing in the Registry to quarantine.
		case GhostTerminated:
			// already terminated: quarantine would be a no-op regression.
		default:
			if err := m.reg.SetStatus(p.CapsuleID, registry.StatusQuarantined, false); err != nil {
				return err
			}
		}

		payload := mustJSON(map[string]string{"reason": string(reason)})
		if _, err := m.audit.Append(ctx, "liveness-monitor", audit.EventPulseRejected, p.Tick, p.CapsuleID, payload); err != nil {
			return err
		}

		switch reason {
		case GhostUnknownID:
			return errkind.New("liveness.ProcessPulse", errkind.UnknownCapsule, "pulse from unregistered capsule")
		case GhostTerminated:
			return errkind.New("liveness.ProcessPulse", errkind.IdAlreadyTerminated, "pulse from terminated capsule")
		default:
			return errkind.New("liveness.ProcessPulse", errkind.GenesisMismatch, string(reason))
		}
	}

	if err := m.reg.RecordPulse(p.CapsuleID, p.Tick); err != nil {
		return err
	}
	_, err := m.audit.Append(ctx, "liveness-monitor", audit.EventPulseAccepted, p.Tick, p.CapsuleID, "")
	return err
}

// SweepMissed advances the miss counter for every active or quarantined
// capsule whose
// last pulse is older than PulseInterval+GracePeriod as of now. Any
// miss quarantines the capsule; once the counter exceeds MaxMissed the
// capsule is terminated outright, with a Vault tombstone closing off
// any further pulse from that id.
func (m *Monitor) SweepMissed(ctx context.Context, now clock.Tick) error {
	deadline := m.cfg.PulseInterval + m.cfg.GracePeriod
	for _, snap := range m.reg.All() {
		if snap.Status != registry.StatusActive && snap.Status != registry.StatusQuarantined {
			continue
		}
		if now-snap.LastPulseTick <= deadline {
			continue
		}
		missed, err := m.reg.IncrementMiss(snap.ID)
		if err != nil {
			return err
		}
		payload := mustJSON(map[string]int{"missed": missed})
		if _, err := m.audit.Append(ctx, "liveness-monitor", audit.EventLivenessViolation, now, snap.ID, payload); err != nil {
			return err
		}
		if missed > m.cfg.MaxMissed {
			if err := m.vault.MarkTerminated(snap.ID, string(audit.EventLivenessFailure), now); err != nil {
				return err
			}
			if err := m.reg.SetStatus(snap.ID, registry.StatusTerminated, false); err != nil {
				return err
			}
			if _, err := m.audit.Append(ctx, "liveness-monitor", audit.EventTerminated, now, snap.ID, mustJSON(map[string]string{"reason": "max_missed_exceeded"})); err != nil {
				return err
			}
			continue
		}
		if err := m.reg.SetStatus(snap.ID, registry.StatusQuarantined, false); err != nil {
			return err
		}
		if _, err := m.audit.Append(ctx, "liveness-monitor", audit.EventQuarantineEnter, now, snap.ID, mustJSON(map[string]string{"reason": "missed_pulse"})); err != nil {
			return err
		}
	}
	return nil
}

// SpawnCheck is one named admission gate S1-S6.
type SpawnCheck string

const (
	CheckParentActive    SpawnCheck = "S1_parent_active"
	CheckLineageDepth    SpawnCheck = "S2_lineage_depth"
	CheckSpawnBudget     SpawnCheck = "S3_spawn_budget"
	CheckResourceAdmit   SpawnCheck = "S4_resource_admit"
	CheckCircuitBreakers SpawnCheck = "S5_circuit_breakers"
	CheckVaultRegistered SpawnCheck = "S6_vault_registration"
)

const maxLineageDepth = 12

// SpawnRequest describes a proposed child capsule.
type SpawnRequest struct {
	ParentID    string
	ChildID     string
	GenesisHash string
	PublicKey   []byte
	Tick        clock.Tick
}

// SpawnGovernor runs the S1-S6 admission gates and, on success,
// registers the child in the Vault before its first pulse is accepted.
// The window between Vault registration and the first successful pulse
// is the rollback window: a caller that fails downstream setup may call
// Rollback to mark the child terminated without ever having gone live.
type SpawnGovernor struct {
	vault    *vault.Vault
	reg      *registry.Registry
	governor *resource.Governor
	audit    *audit.Log
}

// NewSpawnGovernor constructs a SpawnGovernor.
func NewSpawnGovernor(v *vault.Vault, reg *registry.Registry, gov *resource.Governor, log *audit.Log) *SpawnGovernor {
	return &SpawnGovernor{vault: v, reg: reg, governor: gov, audit: log}
}

// Admit runs S1-S6 in order and returns the first failing check, or ""
// on success.
func (s *SpawnGovernor) Admit(ctx context.Context, req SpawnRequest, currentStress float64) (SpawnCheck, error) {
	parent, err := s.reg.Get(req.ParentID)
	if err != nil {
		return CheckParentActive, err
	}
	parentSnap := parent.Snapshot()
	if parentSnap.Status != registry.StatusActive {
		return CheckParentActive, errkind.New("liveness.Admit", errkind.Rejected, "parent capsule is not active")
	}

	if parentSnap.LineageDepth+1 > maxLineageDepth {
		return CheckLineageDepth, errkind.New("liveness.Admit", errkind.Rejected, "lineage depth exceeds maximum")
	}

	if parentSnap.Tether.SpawnBudget <= 0 {
		return CheckSpawnBudget, errkind.New("liveness.Admit", errkind.BudgetExceeded, "parent has no remaining spawn budget")
	}

	if err := s.governor.AdmitAllocation(currentStress); err != nil {
		return CheckResourceAdmit, err
	}

	if err := s.governor.AdmitSpawn(currentStress); err != nil {
		return CheckCircuitBreakers, err
	}

	if s.vault.IsRegistered(req.ChildID) {
		return CheckVaultRegistered, errkind.New("liveness.Admit", errkind.InvariantViolation, "child id already registered")
	}

	return "", nil
}

// Register writes the child's genesis record and public key into the
// Vault and records SPAWN_ADMITTED; it does not run the S1-S6 gates
// itself (that is Admit). The child is not yet in the Registry, and must be inserted by the
// caller before its first pulse; if the caller never inserts it,
// Rollback releases the reservation.
func (s *SpawnGovernor) Register(ctx context.Context, req SpawnRequest, genesis vault.GenesisRecord) error {
	if err := s.vault.Register(genesis, req.PublicKey); err != nil {
		return err
	}
	_, err := s.audit.Append(ctx, "spawn-governor", audit.EventSpawnAdmitted, req.Tick, req.ChildID, mustJSON(map[string]string{"parent": req.ParentID}))
	return err
}

// Rollback marks a registered-but-never-live child terminated, closing
// the registration/first-pulse window without leaving a dangling
// genesis record that a later ghost pulse could exploit.
func (s *SpawnGovernor) Rollback(ctx context.Context, childID string, tick clock.Tick) error {
	if err := s.vault.MarkTerminated(childID, "spawn_rollback", tick); err != nil {
		return err
	}
	_, err := s.audit.Append(ctx, "spawn-governor", audit.EventSpawnRolledBack, tick, childID, mustJSON(map[string]string{"reason": "spawn_rollback"}))
	return err
}
