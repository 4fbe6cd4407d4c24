package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/efm-runtime/efm/pkg/audit"
	efmcrypto "github.com/efm-runtime/efm/pkg/crypto"
)

func newTestEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	signer, err := efmcrypto.NewEd25519Signer()
	require.NoError(t, err)
	log := audit.New(nil, audit.NewMemStore(), audit.NoopReplication{}, signer, audit.Sync, 16, nil)
	t.Cleanup(log.Close)
	return New(log, nil)
}

func TestDefaultLevelIsObservation(t *testing.T) {
	e := newTestEnforcer(t)
	require.Equal(t, LevelObservation, e.LevelOf("cap-1"))
	require.True(t, e.CheckCapability("cap-1", CapSpawn))
}

func TestRestrictedRevokesSpawnBroadcastAndPrecedentWrite(t *testing.T) {
	e := newTestEnforcer(t)
	e.Assign("cap-1", LevelRestricted)
	require.False(t, e.CheckCapability("cap-1", CapSpawn))
	require.False(t, e.CheckCapability("cap-1", CapBroadcastCoherence))
	require.False(t, e.CheckCapability("cap-1", CapPrecedentWrite))
	require.True(t, e.CheckCapability("cap-1", CapExternalComm))
	require.True(t, e.CheckCapability("cap-1", CapResourceRequest))
}

func TestIsolatedRevokesEverything(t *testing.T) {
	e := newTestEnforcer(t)
	e.Assign("cap-1", LevelIsolated)
	for _, c := range []Capability{CapSpawn, CapBroadcastCoherence, CapPrecedentWrite, CapExternalComm, CapResourceRequest} {
		require.False(t, e.CheckCapability("cap-1", c))
	}
}

func TestInterceptModeByLevel(t *testing.T) {
	require.Equal(t, InterceptPassThrough, InterceptModeFor(LevelObservation))
	require.Equal(t, InterceptLog, InterceptModeFor(LevelRestricted))
	require.Equal(t, InterceptBlock, InterceptModeFor(LevelIsolated))
	require.Equal(t, InterceptBlock, InterceptModeFor(LevelForensic))
}

// Scenario 6 (sandbox escape attempt): a single Critical violation must
// escalate the capsule immediately, without waiting for the count
// threshold, and must return a typed SandboxEscape error.
func TestRecordViolationEscalatesImmediatelyOnCritical(t *testing.T) {
	e := newTestEnforcer(t)
	e.Assign("cap-1", LevelRestricted)

	escalated, newLevel, err := e.RecordViolation(context.Background(), Violation{
		CapsuleID: "cap-1", Capability: CapExternalComm, Severity: SeverityCritical,
		Description: "attempted external communication bypassing capability check",
	})
	require.Error(t, err)
	require.True(t, escalated)
	require.Equal(t, LevelIsolated, newLevel)
	require.Equal(t, LevelIsolated, e.LevelOf("cap-1"))
}

func TestRecordViolationEscalatesAfterThreeMinor(t *testing.T) {
	e := newTestEnforcer(t)
	e.Assign("cap-1", LevelObservation)

	var lastEscalated bool
	var lastLevel Level
	for i := 0; i < escalationThreshold; i++ {
		var err error
		lastEscalated, lastLevel, err = e.RecordViolation(context.Background(), Violation{
			CapsuleID: "cap-1", Capability: CapExternalComm, Severity: SeverityMinor,
			Description: "unexpected outbound communication",
		})
		require.NoError(t, err)
	}
	require.True(t, lastEscalated)
	require.Equal(t, LevelRestricted, lastLevel)
}

func TestRecordViolationDoesNotEscalateBelowThreshold(t *testing.T) {
	e := newTestEnforcer(t)
	e.Assign("cap-1", LevelObservation)

	escalated, level, err := e.RecordViolation(context.Background(), Violation{
		CapsuleID: "cap-1", Capability: CapExternalComm, Severity: SeverityMinor,
	})
	require.NoError(t, err)
	require.False(t, escalated)
	require.Equal(t, LevelObservation, level)
}

func TestConfineIsNoopBelowIsolated(t *testing.T) {
	e := newTestEnforcer(t)
	e.Assign("cap-1", LevelRestricted)

	out, err := e.Confine(context.Background(), "cap-1", nil, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), out)
}

func TestConfineFailsWithoutWasiRuntimeAtIsolated(t *testing.T) {
	e := newTestEnforcer(t)
	e.Assign("cap-1", LevelIsolated)

	_, err := e.Confine(context.Background(), "cap-1", []byte{0x00}, []byte("payload"))
	require.Error(t, err)
}
