package bootcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`per_cpu_queue_depth = 64`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 64, cfg.PerCPUQueueDepth)
	require.Equal(t, uint64(1000), cfg.TimerFrequencyHz)
}

func TestLoadDecodesMemmapOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	contents := `
timer_frequency_hz = 2000

[[memmap_overrides]]
base = 1048576
length = 536870912
type = "usable"

[[memmap_overrides]]
base = 0
length = 1048576
type = "reserved"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(2000), cfg.TimerFrequencyHz)
	require.Len(t, cfg.MemmapOverrides, 2)
	require.Equal(t, Usable, cfg.MemmapOverrides[0].Type)
	require.Equal(t, uint64(1048576), cfg.MemmapOverrides[0].Base)
	require.Equal(t, Reserved, cfg.MemmapOverrides[1].Type)
}

func TestLoadMissingFileReturnsWrappedError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "bootcfg: decode")
}
