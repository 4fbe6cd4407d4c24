// Package sandbox implements the four-level Sandbox Enforcer: capability
// revocation, a per-level message interception mode (InterceptModeFor),
// and violation escalation; it has no per-level resource partitioning.
// It follows the Sandbox interface / SandboxConfig /
// SandboxError taxonomy shape; L3/L4 confinement reuses the WasiSandbox
// pattern almost verbatim, adapted from the "run one pack" call shape to
// "confine one capsule's action".
package sandbox

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/efm-runtime/efm/pkg/audit"
	"github.com/efm-runtime/efm/pkg/clock"
	"github.com/efm-runtime/efm/pkg/errkind"
)

func violationPayloadJSON(v Violation, escalated bool, level Level) string {
	b, err := json.Marshal(struct {
		Capability  Capability `json:"capability"`
		Severity    Severity   `json:"severity"`
		Description string     `json:"description"`
		Escalated   bool       `json:"escalated"`
		Level       string     `json:"level"`
	}{v.Capability, v.Severity, v.Description, escalated, level.String()})
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Level is one of the four confinement tiers, in increasing strictness.
type Level int

const (
	// LevelObservation permits all capsule actions but records every one.
	LevelObservation Level = iota + 1
	// LevelRestricted revokes a configurable capability subset.
	LevelRestricted
	// LevelIsolated confines execution to a WASI sandbox with no network
	// or filesystem access.
	LevelIsolated
	// LevelForensic has LevelIsolated's grant table and WASI confinement;
	// its runs also count stderr toward the output limit. No syscall or
	// message trace is recorded or retained.
	LevelForensic
)

func (l Level) String() string {
	switch l {
	case LevelObservation:
		return "Observation"
	case LevelRestricted:
		return "Restricted"
	case LevelIsolated:
		return "Isolated"
	case LevelForensic:
		return "Forensic"
	default:
		return "Unknown"
	}
}

// Capability names one privileged action a capsule may request.
type Capability string

const (
	CapSpawn              Capability = "spawn"
	CapBroadcastCoherence Capability = "broadcast_coherence"
	CapPrecedentWrite     Capability = "precedent_write"
	CapExternalComm       Capability = "external_comm"
	CapResourceRequest    Capability = "resource_request"
)

// CapabilitySet is the fixed grant table per level. L1 revokes nothing;
// L2 revokes Spawn/BroadcastCoherence/PrecedentWrite while still
// permitting external communication and resource requests; L3 revokes
// those two as well, leaving nothing granted; L4 grants nothing,
// matching WASI's deny-by-default confinement.
var CapabilitySet = map[Level]map[Capability]bool{
	LevelObservation: {
		CapSpawn: true, CapBroadcastCoherence: true, CapPrecedentWrite: true,
		CapExternalComm: true, CapResourceRequest: true,
	},
	LevelRestricted: {
		CapSpawn: false, CapBroadcastCoherence: false, CapPrecedentWrite: false,
		CapExternalComm: true, CapResourceRequest: true,
	},
	LevelIsolated: {
		CapSpawn: false, CapBroadcastCoherence: false, CapPrecedentWrite: false,
		CapExternalComm: false, CapResourceRequest: false,
	},
	LevelForensic: {
		CapSpawn: false, CapBroadcastCoherence: false, CapPrecedentWrite: false,
		CapExternalComm: false, CapResourceRequest: false,
	},
}

// InterceptMode governs how the Message Bus treats a sandboxed capsule's
// outbound messages.
type InterceptMode string

const (
	InterceptPassThrough InterceptMode = "pass_through"
	InterceptLog         InterceptMode = "log"
	InterceptBlock       InterceptMode = "block"
)

// InterceptModeFor returns the message interception mode a level applies.
func InterceptModeFor(l Level) InterceptMode {
	switch l {
	case LevelObservation:
		return InterceptPassThrough
	case LevelRestricted:
		return InterceptLog
	default:
		return InterceptBlock
	}
}

// Severity classifies a sandbox violation.
type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

// Violation is one recorded capability breach or escape attempt.
type Violation struct {
	CapsuleID   string
	Capability  Capability
	Severity    Severity
	Description string
	Tick        clock.Tick
}

// escalationThreshold is the count of non-critical violations that
// triggers escalation to the next level; a single Critical violation
// escalates immediately.
const escalationThreshold = 3

// capsuleState tracks one capsule's current level and violation history.
type capsuleState struct {
	level      Level
	violations []Violation
}

// Enforcer assigns and escalates sandbox levels per capsule and checks
// capability requests against the current level's grant table.
type Enforcer struct {
	mu     sync.Mutex
	states map[string]*capsuleState
	audit  *audit.Log
	wasi   *WasiRuntime
}

// New constructs an Enforcer. wasi may be nil if L3/L4 confinement is not
// yet wired (e.g. in tests exercising only capability checks).
func New(log *audit.Log, wasi *WasiRuntime) *Enforcer {
	return &Enforcer{states: make(map[string]*capsuleState), audit: log, wasi: wasi}
}

// Assign sets a capsule's initial sandbox level. Capsules default to
// LevelObservation until first assigned.
func (e *Enforcer) Assign(capsuleID string, level Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[capsuleID] = &capsuleState{level: level}
}

// LevelOf returns a capsule's current level, defaulting to Observation
// for capsules never explicitly assigned.
func (e *Enforcer) LevelOf(capsuleID string) Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[capsuleID]
	if !ok {
		return LevelObservation
	}
	return st.level
}

// CheckCapability reports whether a capsule may currently exercise cap,
// given its assigned level's grant table.
func (e *Enforcer) CheckCapability(capsuleID string, cap Capability) bool {
	level := e.LevelOf(capsuleID)
	return CapabilitySet[level][cap]
}

// RecordViolation logs a capability breach or escape attempt and
// escalates the capsule's level if the escalation rule fires: three
// accumulated violations at the current level, or any single Critical
// violation.
func (e *Enforcer) RecordViolation(ctx context.Context, v Violation) (escalated bool, newLevel Level, err error) {
	e.mu.Lock()
	st, ok := e.states[v.CapsuleID]
	if !ok {
		st = &capsuleState{level: LevelObservation}
		e.states[v.CapsuleID] = st
	}
	st.violations = append(st.violations, v)

	escalate := v.Severity == SeverityCritical || len(st.violations) >= escalationThreshold
	if escalate && st.level < LevelForensic {
		st.level++
		st.violations = nil
	}
	level := st.level
	e.mu.Unlock()

	eventType := audit.EventEscapeAttempt
	if v.Severity != SeverityCritical {
		eventType = audit.EventSandboxEscalate
	}
	payload := violationPayloadJSON(v, escalate, level)
	if _, aerr := e.audit.Append(ctx, "sandbox-enforcer", eventType, v.Tick, v.CapsuleID, payload); aerr != nil {
		return escalate, level, aerr
	}
	if v.Severity == SeverityCritical {
		return escalate, level, errkind.New("sandbox.RecordViolation", errkind.SandboxEscape, v.Description)
	}
	return escalate, level, nil
}

// Confine runs input through the WASI sandbox if the capsule's level
// requires it (Isolated or Forensic); at lower levels it is a no-op that
// returns input unchanged, since capability checks alone suffice.
func (e *Enforcer) Confine(ctx context.Context, capsuleID string, wasmModule, input []byte) ([]byte, error) {
	level := e.LevelOf(capsuleID)
	if level < LevelIsolated {
		return input, nil
	}
	if e.wasi == nil {
		return nil, errkind.New("sandbox.Confine", errkind.InvariantViolation, "WASI runtime not configured for isolated/forensic level")
	}
	trace := level == LevelForensic
	return e.wasi.Run(ctx, wasmModule, input, trace)
}
