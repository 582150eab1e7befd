// Package simconfig loads the parameters spec.md leaves to "the
// surrounding processor" (XLEN, PMP region count, grain, ASID/VMID width,
// A/D update support, privileged architecture version) from a TOML
// document, grounded on BurntSushi/toml (a direct maxnasonov-gvisor/go.mod
// dependency — see SPEC_FULL.md Configuration).
package simconfig

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"riscvvm/riscv"
)

// Config describes the implementation-defined parameters of one simulated
// hart's virtual memory subsystem.
type Config struct {
	// XLEN is 32 or 64.
	XLEN int `toml:"xlen"`

	// PMPRegions is the configured PMP region count N, at most 64
	// (spec.md §3).
	PMPRegions int `toml:"pmp_regions"`

	// PMPGrain is the implementation-defined minimum PMP granularity G,
	// in log2 bytes offset by 2 (spec.md Glossary).
	PMPGrain uint `toml:"pmp_grain"`

	// ASIDBits and VMIDBits are the implemented widths of the ASID and
	// VMID fields; zero means the feature is absent.
	ASIDBits uint `toml:"asid_bits"`
	VMIDBits uint `toml:"vmid_bits"`

	// HardwareAD enables hardware accessed/dirty bit updates during a
	// page-table walk (spec.md §4.1 step 8).
	HardwareAD bool `toml:"hardware_ad"`

	// PrivVersion selects the privileged-architecture revision used by
	// version-gated permission rules (spec.md §4.2 step 5).
	PrivVersion string `toml:"priv_version"`
}

// Default returns the configuration spec.md's worked examples assume:
// Sv39, 16 PMP regions, grain 0, 16-bit ASID, no VMID (hypervisor
// extension disabled by default), hardware A/D updates enabled, priv 1.12.
func Default() Config {
	return Config{
		XLEN:       64,
		PMPRegions: 16,
		PMPGrain:   0,
		ASIDBits:   16,
		VMIDBits:   0,
		HardwareAD: true,
		PrivVersion: "1.12",
	}
}

// Load parses a TOML document into a Config, starting from Default() so
// unspecified fields keep sane values.
func Load(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "simconfig: parse")
	}
	if cfg.PMPRegions < 0 || cfg.PMPRegions > 64 {
		return Config{}, errors.Errorf("simconfig: pmp_regions %d out of range [0,64]", cfg.PMPRegions)
	}
	if cfg.XLEN != 32 && cfg.XLEN != 64 {
		return Config{}, errors.Errorf("simconfig: xlen %d must be 32 or 64", cfg.XLEN)
	}
	return cfg, nil
}

// PrivArchVersion maps the config's textual priv_version to the riscv
// package's ordered enum.
func (c Config) PrivArchVersion() riscv.PrivVersion {
	switch c.PrivVersion {
	case "1.10":
		return riscv.PrivVersion1_10
	case "1.11":
		return riscv.PrivVersion1_11
	default:
		return riscv.PrivVersion1_12
	}
}
