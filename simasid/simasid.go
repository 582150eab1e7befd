// Package simasid packs the simulated-ASID key: the 64-bit value the memory
// runtime uses to validate a cached host mapping without re-walking the
// guest's page tables (spec.md §3 "Simulated ASID (64-bit packed)").
//
// There is no teacher equivalent (amd64 has no ASID/VMID concept at all);
// the shift/mask style follows bitfield's PTE accessors, generalized to a
// fixed field layout instead of a mode-parameterized one.
package simasid

import "riscvvm/riscv"

// Field layout, low bit first: ASID_HS:16, ASID_VS:16, VMID:16, MXR_HS:1,
// SUM_HS:1, MXR_VS:1, SUM_VS:1, S1:1, S2:1, reserved zero.
const (
	shiftASIDHS = 0
	shiftASIDVS = 16
	shiftVMID   = 32
	shiftMXRHS  = 48
	shiftSUMHS  = 49
	shiftMXRVS  = 50
	shiftSUMVS  = 51
	shiftS1     = 52
	shiftS2     = 53
)

const mask16 = 0xffff

// Key is the packed 64-bit simulated ASID.
type Key uint64

// Fields is the unpacked view of a Key, used both to build one and to read
// one back out for display/debugging.
type Fields struct {
	ASIDHS, ASIDVS, VMID uint16
	MXRHS, SUMHS         bool
	MXRVS, SUMVS         bool
	S1, S2               bool
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Pack builds a Key from its component fields.
func Pack(f Fields) Key {
	k := (uint64(f.ASIDHS)&mask16)<<shiftASIDHS |
		(uint64(f.ASIDVS)&mask16)<<shiftASIDVS |
		(uint64(f.VMID)&mask16)<<shiftVMID |
		boolBit(f.MXRHS)<<shiftMXRHS |
		boolBit(f.SUMHS)<<shiftSUMHS |
		boolBit(f.MXRVS)<<shiftMXRVS |
		boolBit(f.SUMVS)<<shiftSUMVS |
		boolBit(f.S1)<<shiftS1 |
		boolBit(f.S2)<<shiftS2
	return Key(k)
}

// Unpack splits a Key back into its component fields.
func (k Key) Unpack() Fields {
	return Fields{
		ASIDHS: uint16(uint64(k) >> shiftASIDHS & mask16),
		ASIDVS: uint16(uint64(k) >> shiftASIDVS & mask16),
		VMID:   uint16(uint64(k) >> shiftVMID & mask16),
		MXRHS:  uint64(k)>>shiftMXRHS&1 != 0,
		SUMHS:  uint64(k)>>shiftSUMHS&1 != 0,
		MXRVS:  uint64(k)>>shiftMXRVS&1 != 0,
		SUMVS:  uint64(k)>>shiftSUMVS&1 != 0,
		S1:     uint64(k)>>shiftS1&1 != 0,
		S2:     uint64(k)>>shiftS2&1 != 0,
	}
}

// FromProcessor builds the current caller's simulated-ASID key from live
// processor state, for the regime a TLB lookup is about to run against.
func FromProcessor(p riscv.Processor, regime riscv.Regime) Key {
	st := p.Status()
	hs, vs := p.Satp(), p.Vsatp()
	return Pack(Fields{
		ASIDHS: hs.ASID,
		ASIDVS: vs.ASID,
		VMID:   st.VMID,
		MXRHS:  st.MXRHS,
		SUMHS:  st.SUMHS,
		MXRVS:  st.MXRVS,
		SUMVS:  st.SUMVS,
		S1:     st.S1Stage,
		S2:     st.S2Stage,
	})
}

// Mask selects which key bits participate in an equality comparison for a
// given TLB entry (spec.md §3): always MXR_HS; ASID_HS or ASID_VS depending
// on regime, unless the entry is global; SUM_HS/SUM_VS when the entry is
// user-accessible and the caller is supervisor; VMID/MXR_VS/S1/S2 whenever
// the caller is virtualized. Stage-2 entries never include either SUM bit.
func Mask(regime riscv.Regime, global, userAccessible, callerSupervisor, callerVirtualized bool) Key {
	var m uint64 = 1 << shiftMXRHS

	if !global {
		switch regime {
		case riscv.RegimeVS1:
			m |= mask16 << shiftASIDVS
		default:
			m |= mask16 << shiftASIDHS
		}
	}

	if regime != riscv.RegimeVS2 && userAccessible && callerSupervisor {
		if regime == riscv.RegimeVS1 {
			m |= 1 << shiftSUMVS
		} else {
			m |= 1 << shiftSUMHS
		}
	}

	if callerVirtualized {
		m |= mask16 << shiftVMID
		m |= 1 << shiftMXRVS
		m |= 1 << shiftS1
		m |= 1 << shiftS2
	}

	return Key(m)
}

// Matches reports whether entryKey and callerKey agree on every bit selected
// by mask.
func Matches(entryKey, callerKey, mask Key) bool {
	return uint64(entryKey)&uint64(mask) == uint64(callerKey)&uint64(mask)
}
