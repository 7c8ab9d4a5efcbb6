package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunDeliversAcrossConfiguredConnection(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("testdata", "dif.yaml"))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "dif.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	require.NoError(t, run(path, "integration test payload"))
}

func TestRunMissingConfig(t *testing.T) {
	require.Error(t, run(filepath.Join(t.TempDir(), "missing.yaml"), "x"))
}
