package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderShutdownIsNoop(t *testing.T) {
	p, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewInstallsExporterWithoutDialing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OTLPEndpoint = "127.0.0.1:0"
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, p.Shutdown(context.Background()))
}
