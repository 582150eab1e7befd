package pmp

import (
	"testing"

	"riscvvm/bitfield"
	"riscvvm/riscv"
)

func TestTORRegion(t *testing.T) {
	e := New(4, 0, 34)
	e.WriteAddr(0, 0x40)
	e.WriteAddr(1, 0x80)
	cfg := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPTOR}
	e.WriteConfigWord(0, uint64(cfg.Encode())<<8, 4)

	priv, low, high, matched := e.Refine(0x100, false)
	if !matched {
		t.Fatalf("expected PA 0x100 to match the TOR region")
	}
	if low != 0x40<<2 || high != 0x80<<2-1 {
		t.Fatalf("region bounds = [%#x,%#x], want [%#x,%#x]", low, high, 0x40<<2, 0x80<<2-1)
	}
	if !priv.HasAll(riscv.AccessRead) {
		t.Fatalf("expected read to be granted")
	}
	if priv.HasAll(riscv.AccessWrite) {
		t.Fatalf("expected write to be denied")
	}
}

func TestTORRegionDoesNotAffectOutsideAccess(t *testing.T) {
	e := New(4, 0, 34)
	e.WriteAddr(0, 0x40)
	e.WriteAddr(1, 0x80)
	cfg := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPTOR}
	e.WriteConfigWord(0, uint64(cfg.Encode())<<8, 4)

	_, _, _, matched := e.Refine(0x300, false)
	if matched {
		t.Fatalf("PA 0x300 lies outside [0x100,0x1FF] and must not match this region")
	}
}

func TestNAPOTGrainForcesLowBitsToOneOnReadBack(t *testing.T) {
	e := New(1, 3, 34)
	e.WriteAddr(0, 0x00000F)
	cfg := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPNAPOT}
	e.WriteConfigWord(0, uint64(cfg.Encode()), 4)

	// grain 3 forces the low G-1=2 bits of a NAPOT address to read as one
	// (spec.md §3, §8 property 4), regardless of what was written there.
	if got := e.ReadAddr(0); got&0x3 != 0x3 {
		t.Fatalf("ReadAddr = %#x, want low 2 bits forced to one", got)
	}
}

func TestNAPOTRegionGeometry(t *testing.T) {
	// addr=1 -> (1<<2)|3 = 0b111, three trailing ones -> an 8-byte region
	// starting at 0 (the trailing-ones pattern grows the region beyond the
	// 4-byte minimum NA4 would give).
	e := New(1, 0, 34)
	e.WriteAddr(0, 1)
	cfg := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPNAPOT}
	e.WriteConfigWord(0, uint64(cfg.Encode()), 4)

	_, low, high, matched := e.Refine(0x4, false)
	if !matched {
		t.Fatalf("expected PA 0x4 to match the NAPOT region")
	}
	if low != 0 || high != 7 {
		t.Fatalf("region bounds = [%#x,%#x], want [0x0,0x7]", low, high)
	}
}

func TestMachineModeUnlockedGrantsRWX(t *testing.T) {
	e := New(1, 0, 34)
	e.WriteAddr(0, 0x40)
	cfg := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPNA4}
	e.WriteConfigWord(0, uint64(cfg.Encode()), 4)

	priv, _, _, matched := e.Refine(0x40<<2, true)
	if !matched {
		t.Fatalf("expected match")
	}
	if priv != (riscv.AccessRead | riscv.AccessWrite | riscv.AccessExecute) {
		t.Fatalf("expected RWX in machine mode over an unlocked region, got %s", priv)
	}
}

func TestLockedEntryConfigWriteIgnored(t *testing.T) {
	e := New(1, 0, 34)
	locked := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPNA4, Locked: true}
	e.WriteConfigWord(0, uint64(locked.Encode()), 4)

	unlocked := bitfield.PMPConfig{Read: true, Write: true, Mode: bitfield.PMPOff}
	e.WriteConfigWord(0, uint64(unlocked.Encode()), 4)

	got := bitfield.DecodePMPConfig(byte(e.ReadConfigWord(0, 4)))
	if got != locked {
		t.Fatalf("write to a locked entry must be ignored, got %+v", got)
	}
}

func TestNA4UnselectableUnderGrain(t *testing.T) {
	e := New(1, 1, 34)
	e.WriteAddr(0, 0x10)
	tor := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPTOR}
	e.WriteConfigWord(0, uint64(tor.Encode()), 4)

	na4 := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPNA4}
	e.WriteConfigWord(0, uint64(na4.Encode()), 4)

	got := bitfield.DecodePMPConfig(byte(e.ReadConfigWord(0, 4)))
	if got.Mode != bitfield.PMPTOR {
		t.Fatalf("NA4 write under grain>=1 must preserve the old mode, got %v", got.Mode)
	}
}

func TestInvalidateCallbackFiresOnChange(t *testing.T) {
	e := New(1, 0, 34)
	var calls int
	e.OnInvalidate = func(oldR, newR Region, selfLocked, lowerLocked bool) { calls++ }

	cfg := bitfield.PMPConfig{Read: true, Mode: bitfield.PMPNA4}
	e.WriteConfigWord(0, uint64(cfg.Encode()), 4)
	if calls != 1 {
		t.Fatalf("expected one invalidation on first config write, got %d", calls)
	}

	e.WriteConfigWord(0, uint64(cfg.Encode()), 4)
	if calls != 1 {
		t.Fatalf("writing an identical config must not trigger another invalidation, got %d", calls)
	}
}
