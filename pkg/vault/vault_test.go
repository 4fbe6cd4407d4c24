package vault

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/efm-runtime/efm/pkg/errkind"
)

func newTestVault(t *testing.T) (*Vault, ed25519.PublicKey) {
	t.Helper()
	rootPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return New("commandment-hash-v1", rootPub), rootPub
}

func TestNewVaultExposesFixedIdentity(t *testing.T) {
	v, rootPub := newTestVault(t)
	require.Equal(t, "commandment-hash-v1", v.CommandmentHash())
	require.Equal(t, rootPub, v.RootKey())
}

func TestRegisterThenGenesisRoundTrips(t *testing.T) {
	v, _ := newTestVault(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	genesis := GenesisRecord{
		CapsuleID:    "capsule-1",
		ParentID:     "capsule-0",
		CreationTick: 5,
		LineageDepth: 1,
		ContentHash:  "abc123",
	}
	require.NoError(t, v.Register(genesis, pub))

	require.True(t, v.IsRegistered("capsule-1"))
	got, err := v.Genesis("capsule-1")
	require.NoError(t, err)
	require.Equal(t, genesis, got)

	gotPub, err := v.PublicKey("capsule-1")
	require.NoError(t, err)
	require.Equal(t, pub, gotPub)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	v, _ := newTestVault(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	genesis := GenesisRecord{CapsuleID: "capsule-1"}
	require.NoError(t, v.Register(genesis, pub))

	err = v.Register(genesis, pub)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.IdAlreadyRegistered))
}

func TestRegisterRejectsMalformedPublicKey(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.Register(GenesisRecord{CapsuleID: "capsule-1"}, ed25519.PublicKey("too-short"))
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.SignatureInvalid))
}

func TestGenesisAndPublicKeyRejectUnknownID(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.Genesis("ghost")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.IdUnknown))

	_, err = v.PublicKey("ghost")
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.IdUnknown))
}

func TestMarkTerminatedRequiresExistingGenesis(t *testing.T) {
	v, _ := newTestVault(t)
	err := v.MarkTerminated("ghost", "reflex_violation", 1)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.IdUnknown))
}

func TestMarkTerminatedThenTombstoneRoundTrips(t *testing.T) {
	v, _ := newTestVault(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, v.Register(GenesisRecord{CapsuleID: "capsule-1"}, pub))

	require.False(t, v.IsTerminated("capsule-1"))

	require.NoError(t, v.MarkTerminated("capsule-1", "resource_exhaustion", 9))

	require.True(t, v.IsTerminated("capsule-1"))
	tomb, ok := v.Tombstone("capsule-1")
	require.True(t, ok)
	require.Equal(t, "capsule-1", tomb.CapsuleID)
	require.Equal(t, "resource_exhaustion", tomb.Reason)
	require.False(t, tomb.At.IsZero())
}

func TestMarkTerminatedRejectsDoubleTermination(t *testing.T) {
	v, _ := newTestVault(t)
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	require.NoError(t, v.Register(GenesisRecord{CapsuleID: "capsule-1"}, pub))
	require.NoError(t, v.MarkTerminated("capsule-1", "reflex_violation", 1))

	err = v.MarkTerminated("capsule-1", "reflex_violation", 2)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.IdAlreadyTerminated))
}

func TestTombstoneAbsentForUnknownID(t *testing.T) {
	v, _ := newTestVault(t)
	_, ok := v.Tombstone("ghost")
	require.False(t, ok)
}

func TestGenesisRecordHashIsDeterministicAndFieldSensitive(t *testing.T) {
	g1 := GenesisRecord{CapsuleID: "capsule-1", ParentID: "capsule-0", CreationTick: 5, LineageDepth: 1}
	h1, err := g1.Hash()
	require.NoError(t, err)
	h2, err := g1.Hash()
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	g2 := g1
	g2.LineageDepth = 2
	h3, err := g2.Hash()
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}
