package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "pulse"],
  "properties": {
    "version": {"type": "string"},
    "pulse": {
      "type": "object",
      "required": ["max_missed"],
      "properties": {"max_missed": {"type": "integer", "minimum": 1}}
    }
  }
}`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "efm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefaultMatchesReferenceConstants(t *testing.T) {
	d := Default()
	require.Equal(t, 10, d.Pulse.IntervalTicks)
	require.Equal(t, 3, d.Pulse.MaxMissed)
	require.Equal(t, 0.80, d.Coherence.MaxEntropyDelta)
	require.Equal(t, 0.75, d.Intuition.SimilarityThreshold)
	require.Equal(t, 3, d.Sandbox.ViolationThreshold)
	require.Equal(t, 100, d.Override.LatencyBudgetMS)
}

func TestLoadParsesValidDocument(t *testing.T) {
	path := writeTempConfig(t, "version: \"1.2.0\"\npulse:\n  interval_ticks: 20\n  grace_ticks: 5\n  max_missed: 4\n")
	schema, err := Compile("efm://test/schema.json", testSchema)
	require.NoError(t, err)

	doc, err := Load(path, schema)
	require.NoError(t, err)
	require.Equal(t, "1.2.0", doc.Version)
	require.Equal(t, 20, doc.Pulse.IntervalTicks)
}

func TestLoadRejectsDocumentFailingSchema(t *testing.T) {
	path := writeTempConfig(t, "version: \"1.2.0\"\npulse:\n  interval_ticks: 20\n")
	schema, err := Compile("efm://test/schema-2.json", testSchema)
	require.NoError(t, err)

	_, err = Load(path, schema)
	require.Error(t, err)
}

func TestCheckCompatibleSatisfiesConstraint(t *testing.T) {
	ok, err := CheckCompatible("1.4.2", ">= 1.0.0, < 2.0.0")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheckCompatibleRejectsOutOfRangeVersion(t *testing.T) {
	ok, err := CheckCompatible("2.1.0", ">= 1.0.0, < 2.0.0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckCompatibleInvalidConstraintErrors(t *testing.T) {
	_, err := CheckCompatible("1.0.0", "not-a-constraint")
	require.Error(t, err)
}
