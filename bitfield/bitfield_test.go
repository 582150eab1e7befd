package bitfield

import "testing"

func TestPTEFlags(t *testing.T) {
	var p PTE
	p.SetFlags(PTEValid | PTERead | PTEAccessed)
	if !p.HasFlags(PTEValid | PTERead) {
		t.Fatalf("expected Valid|Read set")
	}
	if p.HasFlags(PTEWrite) {
		t.Fatalf("did not expect Write set")
	}
	p.ClearFlags(PTERead)
	if p.HasFlags(PTERead) {
		t.Fatalf("expected Read cleared")
	}
}

func TestPTEPointerVsLeaf(t *testing.T) {
	var ptr PTE
	ptr.SetFlags(PTEValid)
	if !ptr.IsPointer() || ptr.IsLeaf() {
		t.Fatalf("V=1,RWX=0 should be a pointer")
	}

	var leaf PTE
	leaf.SetFlags(PTEValid | PTERead)
	if leaf.IsPointer() || !leaf.IsLeaf() {
		t.Fatalf("V=1,R=1 should be a leaf")
	}

	var reserved PTE
	reserved.SetFlags(PTEValid | PTEWrite)
	if !reserved.ReservedEncoding() {
		t.Fatalf("R=0,W=1 should be a reserved encoding")
	}
}

func TestPTEPPNRoundTrip(t *testing.T) {
	var p PTE
	p.SetFlags(PTEValid | PTERead)
	p.SetPPN(0x123456789)
	if got := p.PPN(); got != 0x123456789 {
		t.Fatalf("PPN() = %#x, want %#x", got, 0x123456789)
	}
	if !p.HasFlags(PTEValid | PTERead) {
		t.Fatalf("SetPPN must not disturb flag bits")
	}
}

func TestVPNBitsSv39(t *testing.T) {
	// VA with VPN[2]=0x12, VPN[1]=0x34, VPN[0]=0x56, offset arbitrary.
	va := uint64(0x12)<<(12+9+9) | uint64(0x34)<<(12+9) | uint64(0x56)<<12 | 0x7ab
	if got := VPNBits(va, 2, 9, 12); got != 0x12 {
		t.Fatalf("VPN[2] = %#x, want 0x12", got)
	}
	if got := VPNBits(va, 1, 9, 12); got != 0x34 {
		t.Fatalf("VPN[1] = %#x, want 0x34", got)
	}
	if got := VPNBits(va, 0, 9, 12); got != 0x56 {
		t.Fatalf("VPN[0] = %#x, want 0x56", got)
	}
}

func TestSignExtends(t *testing.T) {
	// Sv39 has a 39-bit VA field; canonical values sign-extend bit 38.
	const w = 39
	if !SignExtends(0, w) {
		t.Fatalf("all-zero VA must sign-extend")
	}
	if !SignExtends(^uint64(0), w) {
		t.Fatalf("all-one VA must sign-extend")
	}
	nonCanonical := uint64(1) << 40
	if SignExtends(nonCanonical, w) {
		t.Fatalf("VA with a stray high bit must not sign-extend")
	}
}

func TestPMPConfigRoundTrip(t *testing.T) {
	c := PMPConfig{Read: true, Execute: true, Mode: PMPNAPOT, Locked: true}
	b := c.Encode()
	got := DecodePMPConfig(b)
	if got != c {
		t.Fatalf("DecodePMPConfig(Encode(c)) = %+v, want %+v", got, c)
	}
}
