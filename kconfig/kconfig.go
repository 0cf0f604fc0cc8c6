// Package kconfig loads boot-time tunables from a TOML document via
// github.com/BurntSushi/toml, falling back to compiled-in defaults when
// no config file is supplied.
package kconfig

import "github.com/BurntSushi/toml"

/// Config_t holds every boot-time tunable this core reads at startup.
type Config_t struct {
	ReservedFrames      int    `toml:"reserved_frames"`
	HeapCapacityBytes   int    `toml:"heap_capacity_bytes"`
	SchedQuantumTicks   int    `toml:"sched_quantum_ticks"`
	VolumeLabel         string `toml:"volume_label"`
	DriverStackBytes    int    `toml:"driver_stack_bytes"`
	LogLevel            string `toml:"log_level"`
}

/// Default returns the compiled-in tunables used when no config file is
// supplied (the multiboot loader hands the kernel a command line, not a
// filesystem).
func Default() Config_t {
	return Config_t{
		ReservedFrames:    256,
		HeapCapacityBytes: 16 << 20,
		SchedQuantumTicks: 10,
		VolumeLabel:       "OSKERNEL",
		DriverStackBytes:  16 * 1024,
		LogLevel:          "info",
	}
}

/// Load reads path as a TOML document, starting from Default() and
// overwriting whichever fields are present.
func Load(path string) (Config_t, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config_t{}, err
	}
	return cfg, nil
}

/// LoadString parses s as a TOML document, starting from Default().
func LoadString(s string) (Config_t, error) {
	cfg := Default()
	_, err := toml.Decode(s, &cfg)
	if err != nil {
		return Config_t{}, err
	}
	return cfg, nil
}
