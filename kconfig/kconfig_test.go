package kconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsSane(t *testing.T) {
	cfg := Default()
	require.Greater(t, cfg.ReservedFrames, 0)
	require.Greater(t, cfg.HeapCapacityBytes, 0)
	require.Equal(t, "OSKERNEL", cfg.VolumeLabel)
}

func TestLoadStringOverridesDefaults(t *testing.T) {
	cfg, err := LoadString(`
volume_label = "CUSTOM"
sched_quantum_ticks = 20
`)
	require.NoError(t, err)
	require.Equal(t, "CUSTOM", cfg.VolumeLabel)
	require.Equal(t, 20, cfg.SchedQuantumTicks)
	// fields not present in the document keep their compiled-in default
	require.Equal(t, Default().HeapCapacityBytes, cfg.HeapCapacityBytes)
}

func TestLoadStringRejectsMalformedToml(t *testing.T) {
	_, err := LoadString("not = [valid toml")
	require.Error(t, err)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/kconfig.toml")
	require.Error(t, err)
}
