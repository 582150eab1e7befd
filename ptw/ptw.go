// Package ptw implements the per-mode page-table walk (spec.md §4.1): Sv32,
// Sv39, Sv48 and their hypervisor-extended x4 stage-2 counterparts.
//
// The teacher's kernel/mm/vmm.walk (src/gopheros/kernel/mm/vmm/pdt.go) walks
// a fixed 4-level amd64-style table by dereferencing recursively-mapped
// pointers directly; this generalizes that per-level "read entry, decide
// pointer-vs-leaf, descend" shape to a mode-parameterized walk that reads
// entries through a memdomain.ReadWriter (the PMP domain) instead of raw
// pointers, since a hosted simulator has no MMU to recursively map through.
package ptw

import (
	"riscvvm/bitfield"
	"riscvvm/internal/vmerr"
	"riscvvm/memdomain"
	"riscvvm/riscv"
)

// Mode identifies a page-table walking mode.
type Mode uint8

const (
	Sv32 Mode = iota
	Sv39
	Sv48
	Sv32x4
	Sv39x4
	Sv48x4
)

// IsStage2 reports whether m is one of the hypervisor stage-2 (x4) variants.
func (m Mode) IsStage2() bool {
	return m == Sv32x4 || m == Sv39x4 || m == Sv48x4
}

// Stage1 returns the inner stage-1 mode an x4 variant dispatches into after
// peeling off the guest-physical extra bits. It is the identity for
// non-stage-2 modes.
func (m Mode) Stage1() Mode {
	switch m {
	case Sv32x4:
		return Sv32
	case Sv39x4:
		return Sv39
	case Sv48x4:
		return Sv48
	default:
		return m
	}
}

type params struct {
	vpnWidth   uint
	levels     int
	entryWidth int // bytes per PTE: 4 for Sv32, 8 otherwise
	vaWidth    uint
}

var modeParams = map[Mode]params{
	Sv32: {vpnWidth: 10, levels: 2, entryWidth: 4, vaWidth: 32},
	Sv39: {vpnWidth: 9, levels: 3, entryWidth: 8, vaWidth: 39},
	Sv48: {vpnWidth: 9, levels: 4, entryWidth: 8, vaWidth: 48},
}

const pageShift = memdomain.PageShift

// maxExtraBits caps the guest-physical "extra bits" extracted above the
// stage-1 VA width for every x4 variant uniformly (spec.md §9 "Sv32x4
// extra-bits cap" — this module closes the gap the source leaves open for
// Sv32x4 rather than reproducing it; see DESIGN.md).
const maxExtraBits = 3

// Request carries everything one walk needs.
type Request struct {
	Mode       Mode
	CallerMode riscv.Mode
	RootPA     uint64
	VA         uint64
	Required   riscv.Access
	Attrs      riscv.Attrs

	// MXR/SUM/PrivVersion feed the permission check (spec.md §4.2).
	MXR, SUM    bool
	PrivVersion riscv.PrivVersion

	// ASIDImplemented false forces every leaf's Global flag on (spec.md
	// §4.1 step 6 "G forced on if stage 2 or ASID not implemented").
	ASIDImplemented bool

	// HardwareA/HardwareD gate A/D auto-update (spec.md §4.1 step 8).
	HardwareA, HardwareD bool

	Endian riscv.Endianness
}

// Result is a fully populated leaf translation.
type Result struct {
	LowVA, HighVA uint64
	PA            uint64
	Access        riscv.Access
	User          bool
	Global        bool
	Accessed      bool
	Dirty         bool

	// ExtraBits carries the reinstated guest-physical offset for x4
	// walks (spec.md §4.1 "On success, reinstate the extra bits into
	// the output range").
	ExtraBits uint64
}

// subsystem names the vmerr.Fault-producing component for walker errors.
const subsystem = "ptw"

// Walk runs one page-table walk. dom is the PMP domain entry reads and A/D
// write-backs flow through, using supervisor-mode read privilege (spec.md
// §4.1 step 3).
func Walk(dom memdomain.ReadWriter, req Request) (Result, error) {
	if req.Mode.IsStage2() {
		return walkStage2(dom, req)
	}
	return walkStage1(dom, req, 0, false)
}

func walkStage2(dom memdomain.ReadWriter, req Request) (Result, error) {
	inner := req.Mode.Stage1()
	p := modeParams[inner]

	extraBits := req.VA >> p.vaWidth
	if extraBits > maxExtraBits {
		return Result{}, vmerr.New(subsystem, vmerr.CodeVAExtend, req.VA, true)
	}

	stage1Req := req
	stage1Req.Mode = inner
	stage1Req.VA = req.VA & ((uint64(1) << p.vaWidth) - 1)
	stage1Req.RootPA = req.RootPA + extraBits*uint64(memdomain.PageSize)

	// stage1Req.Mode is now the plain inner mode (Sv32/Sv39/Sv48), since
	// that is what modeParams and the VPN walk need; isGuest is threaded
	// through separately so every fault raised while walking the stage-2
	// table is still tagged IsGuest=true (spec.md §7).
	res, err := walkStage1(dom, stage1Req, extraBits, true)
	if err != nil {
		return Result{}, err
	}
	res.LowVA |= extraBits << p.vaWidth
	res.HighVA |= extraBits << p.vaWidth
	return res, nil
}

func walkStage1(dom memdomain.ReadWriter, req Request, extraBits uint64, isGuest bool) (Result, error) {
	p, ok := modeParams[req.Mode]
	if !ok {
		p = modeParams[req.Mode.Stage1()]
	}

	if p.entryWidth != 4 && !bitfield.SignExtends(req.VA, p.vaWidth) {
		return Result{}, vmerr.New(subsystem, vmerr.CodeVAExtend, req.VA, isGuest)
	}

	a := req.RootPA
	i := p.levels - 1
	var pte bitfield.PTE
	var leafAddr uint64

	for {
		vpn := bitfield.VPNBits(req.VA, i, p.vpnWidth, pageShift)
		entryAddr := a + vpn*uint64(p.entryWidth)
		leafAddr = entryAddr

		raw, err := readEntry(dom, entryAddr, p.entryWidth)
		if err != nil {
			return Result{}, vmerr.New(subsystem, vmerr.CodeRead, req.VA, isGuest)
		}
		pte = bitfield.PTE(raw)

		if !pte.HasFlags(bitfield.PTEValid) {
			return Result{}, vmerr.New(subsystem, vmerr.CodeV0, req.VA, isGuest)
		}
		if pte.ReservedEncoding() {
			return Result{}, vmerr.New(subsystem, vmerr.CodeR0W1, req.VA, isGuest)
		}
		if pte.IsLeaf() {
			break
		}

		a = pte.PPN() << pageShift
		i--
		if i < 0 {
			return Result{}, vmerr.New(subsystem, vmerr.CodeLeaf, req.VA, isGuest)
		}
	}

	size := uint64(1) << (uint(i)*p.vpnWidth + pageShift)
	pa := pte.PPN() << pageShift
	if pa&(size-1) != 0 {
		return Result{}, vmerr.New(subsystem, vmerr.CodeAlign, req.VA, isGuest)
	}

	lowVA := req.VA &^ (size - 1)
	res := Result{
		LowVA:     lowVA,
		HighVA:    lowVA + size - 1,
		PA:        pa,
		Access:    leafAccess(pte),
		User:      pte.HasFlags(bitfield.PTEUser),
		Global:    pte.HasFlags(bitfield.PTEGlobal) || isGuest || !req.ASIDImplemented,
		Accessed:  pte.HasFlags(bitfield.PTEAccessed),
		Dirty:     pte.HasFlags(bitfield.PTEDirty),
		ExtraBits: extraBits,
	}

	if err := checkPermission(req, res, isGuest); err != nil {
		return Result{}, err
	}

	changed := false
	if !res.Accessed {
		if !req.HardwareA {
			return Result{}, vmerr.New(subsystem, vmerr.CodeA0, req.VA, isGuest)
		}
		pte.SetFlags(bitfield.PTEAccessed)
		res.Accessed = true
		changed = true
	}
	if req.Required&riscv.AccessWrite != 0 && !res.Dirty {
		if !req.HardwareD {
			return Result{}, vmerr.New(subsystem, vmerr.CodeD0, req.VA, isGuest)
		}
		pte.SetFlags(bitfield.PTEDirty)
		res.Dirty = true
		changed = true
	}

	if changed && !req.Attrs.Artifact {
		if err := writeEntry(dom, leafAddr, p.entryWidth, uint64(pte)); err != nil {
			return Result{}, vmerr.New(subsystem, vmerr.CodeWrite, req.VA, isGuest)
		}
	}

	return res, nil
}

func leafAccess(pte bitfield.PTE) riscv.Access {
	var a riscv.Access
	if pte.HasFlags(bitfield.PTERead) {
		a |= riscv.AccessRead
	}
	if pte.HasFlags(bitfield.PTEWrite) {
		a |= riscv.AccessWrite
	}
	if pte.HasFlags(bitfield.PTEExecute) {
		a |= riscv.AccessExecute
	}
	return a
}

// checkPermission implements spec.md §4.2. isGuest marks a stage-2 walk, so
// faults raised here select the guest exception variant even though
// req.Mode has already been narrowed to the plain inner walking mode.
func checkPermission(req Request, res Result, isGuest bool) error {
	priv := res.Access

	if priv&riscv.AccessExecute != 0 && req.MXR {
		priv |= riscv.AccessRead
	}

	if req.CallerMode == riscv.ModeUser {
		if !res.User {
			return vmerr.New(subsystem, vmerr.CodePriv, req.VA, isGuest)
		}
	} else {
		if res.User {
			if !req.SUM {
				return vmerr.New(subsystem, vmerr.CodePriv, req.VA, isGuest)
			}
			if req.PrivVersion.AtLeast(riscv.PrivVersion1_11) {
				priv &^= riscv.AccessExecute
			}
		}
	}

	if !priv.HasAll(req.Required) {
		return vmerr.New(subsystem, vmerr.CodePriv, req.VA, isGuest)
	}
	return nil
}

func readEntry(dom memdomain.ReadWriter, addr uint64, width int) (uint64, error) {
	if width == 4 {
		v, err := dom.Read4(addr)
		return uint64(v), err
	}
	return dom.Read8(addr)
}

func writeEntry(dom memdomain.ReadWriter, addr uint64, width int, v uint64) error {
	if width == 4 {
		return dom.Write4(addr, uint32(v))
	}
	return dom.Write8(addr, v)
}
