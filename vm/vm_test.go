package vm

import (
	"bytes"
	"testing"

	"riscvvm/bitfield"
	"riscvvm/memdomain"
	"riscvvm/pmp"
	"riscvvm/riscv"
	"riscvvm/simasid"
)

type exceptionRecord struct {
	kind riscv.ExceptionKind
	va   uint64
	gva  bool
}

type fakeProcessor struct {
	mode            riscv.Mode
	virtualized     bool
	minMode         riscv.Mode
	privVersion     riscv.PrivVersion
	satp, vsatp     riscv.SatpState
	hgatp           riscv.SatpState
	status          riscv.Status
	debug           riscv.DebugControl
	endian          riscv.Endianness
	asidBits        uint
	vmidBits        uint
	lastException   *exceptionRecord
}

func (p *fakeProcessor) CurrentMode() riscv.Mode         { return p.mode }
func (p *fakeProcessor) Virtualized() bool               { return p.virtualized }
func (p *fakeProcessor) MinImplementedMode() riscv.Mode  { return p.minMode }
func (p *fakeProcessor) PrivArchVersion() riscv.PrivVersion { return p.privVersion }
func (p *fakeProcessor) Satp() riscv.SatpState            { return p.satp }
func (p *fakeProcessor) Vsatp() riscv.SatpState           { return p.vsatp }
func (p *fakeProcessor) Hgatp() riscv.SatpState           { return p.hgatp }
func (p *fakeProcessor) Status() riscv.Status             { return p.status }
func (p *fakeProcessor) DebugCSR() riscv.DebugControl      { return p.debug }
func (p *fakeProcessor) Endianness(riscv.Regime) riscv.Endianness { return p.endian }
func (p *fakeProcessor) ASIDBits() uint                    { return p.asidBits }
func (p *fakeProcessor) VMIDBits() uint                    { return p.vmidBits }
func (p *fakeProcessor) TakeMemoryException(kind riscv.ExceptionKind, va uint64, gva bool) {
	p.lastException = &exceptionRecord{kind: kind, va: va, gva: gva}
}

func newBareMachine() *fakeProcessor {
	return &fakeProcessor{
		mode:        riscv.ModeMachine,
		minMode:     riscv.ModeUser,
		privVersion: riscv.PrivVersion1_12,
		endian:      riscv.LittleEndian,
	}
}

func unrestrictedPMP() *pmp.Engine {
	return pmp.New(0, 0, 34)
}

// fullAccessPMP builds a single TOR region spanning the entire addrBits
// address space with RWX granted, for tests exercising non-machine-mode
// table walks: page-table-entry reads flow through the same PMP-protected
// domain as ordinary data accesses (ptw.Walk's doc comment, spec.md §4.1
// step 3), so a supervisor-mode walk needs at least one matching region.
func fullAccessPMP(addrBits uint) *pmp.Engine {
	e := pmp.New(1, 0, addrBits)
	e.WriteAddr(0, (uint64(1)<<addrBits)-1)
	cfg := bitfield.PMPConfig{Read: true, Write: true, Execute: true, Mode: bitfield.PMPTOR}
	e.WriteConfigWord(0, uint64(cfg.Encode()), 4)
	return e
}

func TestMissBareSATPMachineModeIdentityMaps(t *testing.T) {
	proc := newBareMachine()
	physical := memdomain.NewPhysicalDomain(memdomain.NewFrameAllocator(make([]byte, 16*int(memdomain.PageSize))), riscv.LittleEndian)
	dataPMP := unrestrictedPMP()
	sys := Init(proc, physical, dataPMP, dataPMP, 9, 14, true, true)

	if !sys.Miss(riscv.ModeMachine, DomainVirtual, 0x1000, 4, riscv.AccessRead, riscv.Attrs{}) {
		t.Fatalf("expected bare-mode machine-mode access to succeed, exception = %+v", proc.lastException)
	}
}

func TestMissPhysicalDomainDeniedByPMP(t *testing.T) {
	proc := newBareMachine()
	proc.mode = riscv.ModeSupervisor
	physical := memdomain.NewPhysicalDomain(memdomain.NewFrameAllocator(make([]byte, 16*int(memdomain.PageSize))), riscv.LittleEndian)
	dataPMP := pmp.New(1, 0, 34) // one entry, never configured: everything denied to non-machine
	sys := Init(proc, physical, dataPMP, dataPMP, 9, 14, true, true)

	if sys.Miss(riscv.ModeSupervisor, DomainPhysical, 0x2000, 4, riscv.AccessRead, riscv.Attrs{}) {
		t.Fatalf("expected supervisor access with no PMP region configured to be denied")
	}
	if proc.lastException == nil {
		t.Fatalf("expected an exception to be raised")
	}
	if proc.lastException.kind != riscv.ExcLoadAccessFault {
		t.Fatalf("kind = %v, want ExcLoadAccessFault", proc.lastException.kind)
	}
}

// buildSv39Table writes a 3-level Sv39 table mapping VA 0x0000000040403000
// (vpn2=1, vpn1=2, vpn0=3) to PA 0x80300000, and returns the root PA.
func buildSv39Table(t *testing.T, dom memdomain.ReadWriter) (rootPA, va, pa uint64) {
	t.Helper()
	const root = uint64(0x80000000)
	const tbl1 = uint64(0x80100000)
	const tbl0 = uint64(0x80200000)
	const leaf = uint64(0x80300000)

	pointer := func(pa uint64) uint64 {
		return (pa>>12)<<10 | uint64(bitfield.PTEValid)
	}
	leafPTE := func(pa uint64) uint64 {
		return (pa>>12)<<10 | uint64(bitfield.PTEValid|bitfield.PTERead|bitfield.PTEWrite|bitfield.PTEAccessed|bitfield.PTEDirty)
	}

	vpn2, vpn1, vpn0 := uint64(1), uint64(2), uint64(3)
	va = vpn2<<30 | vpn1<<21 | vpn0<<12

	if err := dom.Write8(root+vpn2*8, pointer(tbl1)); err != nil {
		t.Fatalf("write root PTE: %v", err)
	}
	if err := dom.Write8(tbl1+vpn1*8, pointer(tbl0)); err != nil {
		t.Fatalf("write level-1 PTE: %v", err)
	}
	if err := dom.Write8(tbl0+vpn0*8, leafPTE(leaf)); err != nil {
		t.Fatalf("write leaf PTE: %v", err)
	}
	return root, va, leaf
}

func TestMissVirtualSv39ResolvesAndCaches(t *testing.T) {
	proc := newBareMachine()
	proc.mode = riscv.ModeSupervisor
	proc.satp = riscv.SatpState{Mode: 8, PPN: 0x80000000 >> memdomain.PageShift}

	backing := make([]byte, 0x80400000+int(memdomain.PageSize))
	physical := memdomain.NewPhysicalDomain(memdomain.NewFrameAllocator(backing), riscv.LittleEndian)
	dataPMP := fullAccessPMP(34)
	sys := Init(proc, physical, dataPMP, dataPMP, 9, 14, true, true)

	_, va, _ := buildSv39Table(t, sys.domains[riscv.ModeSupervisor].Physical)

	if !sys.Miss(riscv.ModeSupervisor, DomainVirtual, va, 4, riscv.AccessRead, riscv.Attrs{}) {
		t.Fatalf("expected translation to succeed, exception = %+v", proc.lastException)
	}
	if sys.hs.Len() != 1 {
		t.Fatalf("expected one cached HS entry, got %d", sys.hs.Len())
	}

	// Second access should hit the TLB rather than re-walking. Len() must
	// stay at 1; a re-walk of the same page would also leave it at 1,
	// since the new entry replaces the old one under the same interval.
	if !sys.Miss(riscv.ModeSupervisor, DomainVirtual, va, 4, riscv.AccessRead, riscv.Attrs{}) {
		t.Fatalf("expected cached translation to succeed")
	}
	if sys.hs.Len() != 1 {
		t.Fatalf("expected TLB hit to reuse the cached entry, Len() = %d", sys.hs.Len())
	}
}

func TestMissVirtualSv39DeniesWriteToReadOnlyPage(t *testing.T) {
	proc := newBareMachine()
	proc.mode = riscv.ModeSupervisor
	proc.satp = riscv.SatpState{Mode: 8, PPN: 0x80000000 >> memdomain.PageShift}

	backing := make([]byte, 0x80400000+int(memdomain.PageSize))
	physical := memdomain.NewPhysicalDomain(memdomain.NewFrameAllocator(backing), riscv.LittleEndian)
	dataPMP := fullAccessPMP(34)
	sys := Init(proc, physical, dataPMP, dataPMP, 9, 14, true, true)

	dom := sys.domains[riscv.ModeSupervisor].Physical
	const root = uint64(0x80000000)
	const tbl1 = uint64(0x80100000)
	const tbl0 = uint64(0x80200000)
	const leaf = uint64(0x80300000)
	vpn2, vpn1, vpn0 := uint64(1), uint64(2), uint64(3)
	va := vpn2<<30 | vpn1<<21 | vpn0<<12

	dom.Write8(root+vpn2*8, (tbl1>>12)<<10|uint64(bitfield.PTEValid))
	dom.Write8(tbl1+vpn1*8, (tbl0>>12)<<10|uint64(bitfield.PTEValid))
	dom.Write8(tbl0+vpn0*8, (leaf>>12)<<10|uint64(bitfield.PTEValid|bitfield.PTERead|bitfield.PTEAccessed|bitfield.PTEDirty))

	if sys.Miss(riscv.ModeSupervisor, DomainVirtual, va, 4, riscv.AccessWrite, riscv.Attrs{}) {
		t.Fatalf("expected write to a read-only page to fail")
	}
	if proc.lastException == nil || proc.lastException.kind != riscv.ExcStoreAMOPageFault {
		t.Fatalf("exception = %+v, want StoreAMOPageFault", proc.lastException)
	}
}

// TestMissVirtualSv39MXRGrantsReadOnExecuteOnlyPage covers spec.md §4.2 step
// 2/3: mstatus.MXR makes an execute-only page (X=1, R=0, W=0) readable.
// Without MXR set the same read must be denied.
func TestMissVirtualSv39MXRGrantsReadOnExecuteOnlyPage(t *testing.T) {
	proc := newBareMachine()
	proc.mode = riscv.ModeSupervisor
	proc.satp = riscv.SatpState{Mode: 8, PPN: 0x80000000 >> memdomain.PageShift}

	backing := make([]byte, 0x80400000+int(memdomain.PageSize))
	physical := memdomain.NewPhysicalDomain(memdomain.NewFrameAllocator(backing), riscv.LittleEndian)
	dataPMP := fullAccessPMP(34)
	sys := Init(proc, physical, dataPMP, dataPMP, 9, 14, true, true)

	dom := sys.domains[riscv.ModeSupervisor].Physical
	const root = uint64(0x80000000)
	const tbl1 = uint64(0x80100000)
	const tbl0 = uint64(0x80200000)
	const leaf = uint64(0x80300000)
	vpn2, vpn1, vpn0 := uint64(1), uint64(2), uint64(3)
	va := vpn2<<30 | vpn1<<21 | vpn0<<12

	dom.Write8(root+vpn2*8, (tbl1>>12)<<10|uint64(bitfield.PTEValid))
	dom.Write8(tbl1+vpn1*8, (tbl0>>12)<<10|uint64(bitfield.PTEValid))
	dom.Write8(tbl0+vpn0*8, (leaf>>12)<<10|uint64(bitfield.PTEValid|bitfield.PTEExecute|bitfield.PTEAccessed|bitfield.PTEDirty))

	if sys.Miss(riscv.ModeSupervisor, DomainVirtual, va, 4, riscv.AccessRead, riscv.Attrs{}) {
		t.Fatalf("expected read of execute-only page to fail without MXR")
	}

	proc.status.MXRHS = true
	if !sys.Miss(riscv.ModeSupervisor, DomainVirtual, va, 4, riscv.AccessRead, riscv.Attrs{}) {
		t.Fatalf("expected MXR to grant read access to an execute-only page, exception = %+v", proc.lastException)
	}
}

// TestMissVS2IgnoresSUMTreatsCallerAsUser covers spec.md §4.2 step 2: a VS2
// (G-stage) walk treats the caller as user mode and ignores SUM, so a U=1
// G-stage PTE is accessible from a supervisor-mode guest even with
// SUM clear everywhere.
func TestMissVS2IgnoresSUMTreatsCallerAsUser(t *testing.T) {
	proc := newBareMachine()
	proc.mode = riscv.ModeSupervisor
	proc.virtualized = true
	proc.status.S2Stage = true // vsatp.MODE == 0: guest stage-1 is bare
	proc.status.SUMHS = false
	proc.status.SUMVS = false

	const root = uint64(0x80000000)
	const tbl1 = uint64(0x80100000)
	const tbl0 = uint64(0x80200000)
	const leaf = uint64(0x80300000)
	proc.hgatp = riscv.SatpState{Mode: 8, PPN: root >> memdomain.PageShift}

	backing := make([]byte, 0x80400000+int(memdomain.PageSize))
	physical := memdomain.NewPhysicalDomain(memdomain.NewFrameAllocator(backing), riscv.LittleEndian)
	dataPMP := fullAccessPMP(34)
	sys := Init(proc, physical, dataPMP, dataPMP, 9, 14, true, true)

	dom := sys.domains[riscv.ModeSupervisor].Physical
	vpn2, vpn1, vpn0 := uint64(1), uint64(2), uint64(3)
	gpa := vpn2<<30 | vpn1<<21 | vpn0<<12

	dom.Write8(root+vpn2*8, (tbl1>>12)<<10|uint64(bitfield.PTEValid))
	dom.Write8(tbl1+vpn1*8, (tbl0>>12)<<10|uint64(bitfield.PTEValid))
	dom.Write8(tbl0+vpn0*8, (leaf>>12)<<10|uint64(bitfield.PTEValid|bitfield.PTERead|bitfield.PTEWrite|bitfield.PTEUser|bitfield.PTEAccessed|bitfield.PTEDirty))

	if !sys.Miss(riscv.ModeSupervisor, DomainVirtual, gpa, 4, riscv.AccessRead, riscv.Attrs{}) {
		t.Fatalf("expected VS2 walk to treat caller as user and ignore SUM, exception = %+v", proc.lastException)
	}
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	proc := newBareMachine()
	proc.mode = riscv.ModeSupervisor
	proc.satp = riscv.SatpState{Mode: 8, PPN: 0x80000000 >> memdomain.PageShift}

	backing := make([]byte, 0x80400000+int(memdomain.PageSize))
	physical := memdomain.NewPhysicalDomain(memdomain.NewFrameAllocator(backing), riscv.LittleEndian)
	dataPMP := fullAccessPMP(34)
	sys := Init(proc, physical, dataPMP, dataPMP, 9, 14, true, true)

	_, va, _ := buildSv39Table(t, sys.domains[riscv.ModeSupervisor].Physical)
	if !sys.Miss(riscv.ModeSupervisor, DomainVirtual, va, 4, riscv.AccessRead, riscv.Attrs{}) {
		t.Fatalf("setup translation failed, exception = %+v", proc.lastException)
	}

	var buf bytes.Buffer
	if err := sys.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := Init(proc, physical, dataPMP, dataPMP, 9, 14, true, true)
	if err := restored.Restore(&buf); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.hs.Len() != 1 {
		t.Fatalf("expected restored store to contain one entry, got %d", restored.hs.Len())
	}

	callerKey := simasid.FromProcessor(proc, riscv.RegimeHS)
	if _, ok := restored.hs.Find(va, callerKey); !ok {
		t.Fatalf("expected restored entry to be found at the original VA")
	}
}
