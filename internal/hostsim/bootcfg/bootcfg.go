// Package bootcfg loads the boot-time tunables a hosted simulation or test
// harness needs to stand up a kernel core instance without a real
// bootloader: timer frequency, per-CPU queue depth, and memmap overrides
// for the physical memory manager. Parsed once from TOML and handed to the
// kernel core as plain Go values — the kernel itself never parses text, per
// SPEC_FULL.md's AMBIENT STACK section.
package bootcfg

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// MemmapRegionType mirrors spec §6's boot-handoff memmap entry kinds.
type MemmapRegionType string

const (
	Usable                MemmapRegionType = "usable"
	Reserved              MemmapRegionType = "reserved"
	AcpiReclaimable       MemmapRegionType = "acpi_reclaimable"
	AcpiNvs               MemmapRegionType = "acpi_nvs"
	BadMemory             MemmapRegionType = "bad_memory"
	BootloaderReclaimable MemmapRegionType = "bootloader_reclaimable"
	Kernel                MemmapRegionType = "kernel"
	FrameBuffer           MemmapRegionType = "framebuffer"
)

// MemmapRegion overrides or injects one entry of the boot-handoff memmap,
// matching spec §6's `{base, length, type}` fields.
type MemmapRegion struct {
	Base   uint64           `toml:"base"`
	Length uint64           `toml:"length"`
	Type   MemmapRegionType `toml:"type"`
}

// Config is the set of boot-time tunables a simulated boot can override.
type Config struct {
	TimerFrequencyHz uint64         `toml:"timer_frequency_hz"`
	PerCPUQueueDepth int            `toml:"per_cpu_queue_depth"`
	MemmapOverrides  []MemmapRegion `toml:"memmap_overrides"`
}

// defaults mirror the values a real boot would arrive at absent any
// override: a 1kHz tick, and a queue depth matching sched's own default
// fallback-threshold sizing.
func defaults() Config {
	return Config{
		TimerFrequencyHz: 1000,
		PerCPUQueueDepth: 256,
	}
}

// Load decodes path into a Config seeded with defaults, so a TOML file only
// needs to name the fields it overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "bootcfg: decode %s", path)
	}
	return &cfg, nil
}
