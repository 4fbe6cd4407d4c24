package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	s, err := NewEd25519Signer()
	require.NoError(t, err)

	sig, err := s.Sign([]byte("payload"))
	require.NoError(t, err)

	ok, err := Verify(s.PublicKeyHex(), sig, []byte("payload"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	s, err := NewEd25519Signer()
	require.NoError(t, err)

	sig, err := s.Sign([]byte("payload"))
	require.NoError(t, err)

	ok, err := Verify(s.PublicKeyHex(), sig, []byte("tampered"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFromSeedIsDeterministic(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}

	a, err := FromSeed(seed)
	require.NoError(t, err)
	b, err := FromSeed(seed)
	require.NoError(t, err)
	require.Equal(t, a.PublicKeyHex(), b.PublicKeyHex())
}

func TestFromSeedRejectsWrongLength(t *testing.T) {
	_, err := FromSeed([]byte("too-short"))
	require.Error(t, err)
}

func TestDeriveChildSeedIsDeterministicPerGenesisHash(t *testing.T) {
	parent, err := NewEd25519Signer()
	require.NoError(t, err)

	a, err := DeriveChildSeed(parent.Seed(), "genesis-hash-a")
	require.NoError(t, err)
	b, err := DeriveChildSeed(parent.Seed(), "genesis-hash-a")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := DeriveChildSeed(parent.Seed(), "genesis-hash-b")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDeriveChildSeedProducesValidSigner(t *testing.T) {
	parent, err := NewEd25519Signer()
	require.NoError(t, err)

	childSeed, err := DeriveChildSeed(parent.Seed(), "genesis-hash")
	require.NoError(t, err)

	child, err := FromSeed(childSeed)
	require.NoError(t, err)
	require.NotEqual(t, parent.PublicKeyHex(), child.PublicKeyHex())

	sig, err := child.Sign([]byte("msg"))
	require.NoError(t, err)
	ok, err := Verify(child.PublicKeyHex(), sig, []byte("msg"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsMalformedKeyHex(t *testing.T) {
	_, err := Verify("not-hex-zz", hex.EncodeToString([]byte("sig")), []byte("data"))
	require.Error(t, err)
}
