package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryableClassification(t *testing.T) {
	require.True(t, Overloaded.Retryable())
	require.True(t, CircuitOpen.Retryable())
	require.True(t, LatencyBudgetExceeded.Retryable())
	require.True(t, CancelledByTimeout.Retryable())
	require.False(t, InvariantViolation.Retryable())
	require.False(t, Rejected.Retryable())
}

func TestFatalOnlyForInvariantViolation(t *testing.T) {
	require.True(t, InvariantViolation.Fatal())
	require.False(t, Overloaded.Fatal())
	require.False(t, AuthFailed.Fatal())
}

func TestErrorMessageIncludesDetailWhenPresent(t *testing.T) {
	err := New("vault.Register", IdAlreadyRegistered, "capsule already has a genesis record")
	require.Equal(t, "vault.Register: IdAlreadyRegistered: capsule already has a genesis record", err.Error())
}

func TestErrorMessageOmitsDetailWhenEmpty(t *testing.T) {
	err := New("audit.Append", AuditAppendFailed, "")
	require.Equal(t, "audit.Append: AuditAppendFailed", err.Error())
}

func TestWrapPreservesUnderlyingCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap("audit.Append", AuditAppendFailed, cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, cause, err.Unwrap())
}

func TestIsMatchesKind(t *testing.T) {
	err := New("liveness.Admit", Rejected, "parent not active")
	require.True(t, Is(err, Rejected))
	require.False(t, Is(err, BudgetExceeded))
}

func TestIsFalseForPlainErrors(t *testing.T) {
	require.False(t, Is(errors.New("plain"), Rejected))
}
