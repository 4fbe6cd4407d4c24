package override

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/efm-runtime/efm/pkg/audit"
	efmcrypto "github.com/efm-runtime/efm/pkg/crypto"
	"github.com/efm-runtime/efm/pkg/registry"
	"github.com/efm-runtime/efm/pkg/vault"
)

type testHarness struct {
	handler  *Handler
	reg      *registry.Registry
	vault    *vault.Vault
	keys     *KeySet
	operator ed25519.PrivateKey
}

func newTestHandler(t *testing.T) *testHarness {
	t.Helper()
	signer, err := efmcrypto.NewEd25519Signer()
	require.NoError(t, err)
	log := audit.New(nil, audit.NewMemStore(), audit.NoopReplication{}, signer, audit.Sync, 16, nil)
	t.Cleanup(log.Close)

	v := vault.New("commandment-hash", signer.PublicKey())
	genesis := vault.GenesisRecord{CapsuleID: "cap-a"}
	hash, err := genesis.Hash()
	require.NoError(t, err)
	genesis.ContentHash = hash
	require.NoError(t, v.Register(genesis, signer.PublicKey()))

	reg := registry.New()
	require.NoError(t, reg.Insert(&registry.Capsule{ID: "cap-a", Status: registry.StatusActive, Health: registry.Health{}}))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keys := NewKeySet()
	keys.Add("op-1", pub)

	h := NewHandler(NewValidator(keys), log, reg, v)
	return &testHarness{handler: h, reg: reg, vault: v, keys: keys, operator: priv}
}

func (h *testHarness) token(t *testing.T, level OperatorLevel) string {
	t.Helper()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "op-1"},
		OperatorID:       "op-1",
		Level:            level,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(h.operator)
	require.NoError(t, err)
	return signed
}

func TestHandleRejectsInvalidToken(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.handler.Handle(context.Background(), Command{Type: CmdView, Target: "cap-a", OperatorToken: "garbage"}, 1)
	require.NoError(t, err)
	require.Equal(t, StatusAuthFailed, resp.Status)
}

func TestHandleRejectsInsufficientLevel(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.handler.Handle(context.Background(), Command{
		Type: CmdHalt, OperatorToken: h.token(t, LevelObserver), Confirmation: true,
	}, 1)
	require.NoError(t, err)
	require.Equal(t, StatusInsufficientAuthorization, resp.Status)
}

func TestHandleRequiresConfirmationForHighSeverity(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.handler.Handle(context.Background(), Command{
		Type: CmdTerminate, Target: "cap-a", OperatorToken: h.token(t, LevelQuarantiner),
	}, 1)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmationRequired, resp.Status)
}

func TestHandleViewUnknownTargetIsNotFound(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.handler.Handle(context.Background(), Command{
		Type: CmdView, Target: "cap-ghost", OperatorToken: h.token(t, LevelObserver),
	}, 1)
	require.NoError(t, err)
	require.Equal(t, StatusNotFound, resp.Status)
}

func TestHandleQuarantineSucceedsAndRecordsPreExecutionAudit(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.handler.Handle(context.Background(), Command{
		Type: CmdQuarantine, Target: "cap-a", OperatorToken: h.token(t, LevelQuarantiner),
	}, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOk, resp.Status)
	require.NotEmpty(t, resp.AuditEntryIDs)

	c, err := h.reg.Get("cap-a")
	require.NoError(t, err)
	require.Equal(t, registry.StatusQuarantined, c.Snapshot().Status)
}

// Scenario 3 (override latency): a Halt command with valid level-4
// credentials and confirmation must succeed and commit SYSTEM_HALT.
func TestHandleHaltRequiresLevelFourAndConfirmation(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.handler.Handle(context.Background(), Command{
		Type: CmdHalt, OperatorToken: h.token(t, LevelHaltAuthority), Confirmation: true,
	}, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOk, resp.Status)
	require.True(t, h.handler.Halted())
	require.Len(t, resp.AuditEntryIDs, 2, "expects the pre-execution entry plus the halt-committed entry")
}

func TestHandleResetClearsHaltedState(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.handler.Handle(context.Background(), Command{
		Type: CmdHalt, OperatorToken: h.token(t, LevelRoot), Confirmation: true,
	}, 1)
	require.NoError(t, err)
	require.True(t, h.handler.Halted())

	resp, err := h.handler.Handle(context.Background(), Command{
		Type: CmdReset, OperatorToken: h.token(t, LevelRoot), Confirmation: true,
	}, 2)
	require.NoError(t, err)
	require.Equal(t, StatusOk, resp.Status)
	require.False(t, h.handler.Halted())
}

func TestHandleTerminateMarksVaultAndRegistry(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.handler.Handle(context.Background(), Command{
		Type: CmdTerminate, Target: "cap-a", Reason: "operator directive",
		OperatorToken: h.token(t, LevelQuarantiner), Confirmation: true,
	}, 1)
	require.NoError(t, err)
	require.Equal(t, StatusOk, resp.Status)
	require.True(t, h.vault.IsTerminated("cap-a"))

	c, err := h.reg.Get("cap-a")
	require.NoError(t, err)
	require.Equal(t, registry.StatusTerminated, c.Snapshot().Status)
}
