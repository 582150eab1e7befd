// Package vm is the translation orchestrator and public API surface (spec.md
// §4.5 "Translation Orchestrator", §4.6 "Virtual-to-Physical Aliasing", §6
// "Exposed" interface): it owns the per-mode domain stacks, the HS/VS1/VS2
// TLBs, and the PMP engine, and resolves translation misses by composing
// ptw, tlb, pmp, simasid, and memdomain.
//
// There is no single teacher file this corresponds to — the teacher's
// kernel/mm/vmm package mixes orchestration into the same file as the
// walker and the PDT type (src/gopheros/kernel/mm/vmm/pdt.go); this module
// splits those concerns the way spec.md's component list already does
// (walker, TLB, PMP are separate packages), with vm left to own only
// composition, matching the teacher's overall "small leaf packages, one
// orchestrating caller" shape from kernel/mm.
package vm

import (
	"io"

	"riscvvm/internal/vmerr"
	"riscvvm/internal/vmlog"
	"riscvvm/memdomain"
	"riscvvm/pmp"
	"riscvvm/ptw"
	"riscvvm/riscv"
	"riscvvm/simasid"
	"riscvvm/tlb"
)

var log = vmlog.For("vm")

// DomainKind identifies which layer of the per-mode domain stack a vmMiss
// target names (spec.md §4.5 step 1).
type DomainKind uint8

const (
	DomainPhysical DomainKind = iota
	DomainVirtual
)

// modeDomains is the domain stack for one base privilege mode: a PMP-checked
// view of Physical, plus a Virtual alias domain on top of the PMP layer. No
// PMA layer is composed; accesses are checked by PMP only.
type modeDomains struct {
	Physical *memdomain.ProtectedDomain // PMP -> Physical composed by Init
	Virtual  *memdomain.VirtualDomain
}

// System is the top-level object the surrounding processor drives (spec.md
// §6 "Exposed").
type System struct {
	Proc riscv.Processor

	PMPData *pmp.Engine
	PMPCode *pmp.Engine // nil when code/data PMP domains are not split

	domains map[riscv.Mode]*modeDomains

	hs  *tlb.Store
	vs1 *tlb.Store
	vs2 *tlb.Store

	asidBits, vmidBits uint
	hardwareA, hardwareD bool
}

// Init constructs the PMP/Physical/Virtual domain stack per mode (no PMA
// layer) plus the HS/VS1/VS2 TLBs (spec.md §6 "vmInit"). physical is the
// single underlying PhysicalDomain every mode's stack is ultimately backed by;
// dataPMP/codePMP let the caller supply distinct PMP engines when
// the simulator splits code and data PMP checks, or the same pointer twice
// to share one.
func Init(proc riscv.Processor, physical *memdomain.PhysicalDomain, dataPMP, codePMP *pmp.Engine, asidBits, vmidBits uint, hardwareA, hardwareD bool) *System {
	s := &System{
		Proc:      proc,
		PMPData:   dataPMP,
		PMPCode:   codePMP,
		domains:   map[riscv.Mode]*modeDomains{},
		hs:        tlb.New(riscv.RegimeHS),
		vs1:       tlb.New(riscv.RegimeVS1),
		vs2:       tlb.New(riscv.RegimeVS2),
		asidBits:  asidBits,
		vmidBits:  vmidBits,
		hardwareA: hardwareA,
		hardwareD: hardwareD,
	}

	for _, mode := range []riscv.Mode{riscv.ModeUser, riscv.ModeSupervisor, riscv.ModeMachine} {
		machine := mode == riscv.ModeMachine
		// Read s.PMPData rather than closing over dataPMP, so a later
		// NewPMP/FreePMP (which only swaps the field) is observed here too;
		// page-table-entry reads are always data accesses regardless of
		// what the walk was ultimately for (spec.md §4.1 step 3).
		check := func(addr uint64, access riscv.Access) error {
			if s.PMPData == nil {
				return nil
			}
			if !s.PMPData.Check(addr, 1, access, machine) {
				return vmerr.New("pmp", vmerr.CodePMP, addr, false)
			}
			return nil
		}
		protected := memdomain.NewProtectedDomain(physical, check)
		s.domains[mode] = &modeDomains{
			Physical: protected,
			Virtual:  memdomain.NewVirtualDomain(protected),
		}
	}

	s.wirePMPInvalidation(dataPMP)
	if codePMP != nil && codePMP != dataPMP {
		s.wirePMPInvalidation(codePMP)
	}

	return s
}

// wirePMPInvalidation drops every cached translation across all three
// regimes whenever a PMP entry's effective region changes (spec.md §4.7
// "Invalidation"). The TLB is VA-indexed, not PA-indexed, so a PA-keyed PMP
// change cannot be mapped to the precise set of affected entries; a
// whole-TLB invalidation is the conservative-but-correct response.
func (s *System) wirePMPInvalidation(e *pmp.Engine) {
	e.OnInvalidate = func(oldRegion, newRegion pmp.Region, selfLocked, lowerLocked bool) {
		s.hs.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, s.vmidBits != 0)
		s.vs1.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, s.vmidBits != 0)
		s.vs2.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, s.vmidBits != 0)
	}
}

// Free disposes all TLBs and entries (spec.md §6 "vmFree").
func (s *System) Free() {
	s.hs.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, false)
	s.vs1.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, false)
	s.vs2.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, false)
}

func (s *System) storeFor(regime riscv.Regime) *tlb.Store {
	switch regime {
	case riscv.RegimeVS1:
		return s.vs1
	case riscv.RegimeVS2:
		return s.vs2
	default:
		return s.hs
	}
}

// activeRegime implements §4.3 "Regime Root Selection".
func (s *System) activeRegime() (riscv.Regime, bool) {
	st := s.Proc.Status()
	if !s.Proc.Virtualized() {
		return riscv.RegimeHS, s.Proc.Satp().Mode != 0
	}
	if st.S1Stage {
		return riscv.RegimeVS1, true
	}
	if st.S2Stage {
		return riscv.RegimeVS2, true
	}
	return riscv.RegimeHS, false
}

func (s *System) rootFor(regime riscv.Regime) uint64 {
	switch regime {
	case riscv.RegimeVS1:
		return s.Proc.Vsatp().PPN << memdomain.PageShift
	case riscv.RegimeVS2:
		return s.Proc.Hgatp().PPN << memdomain.PageShift
	default:
		return s.Proc.Satp().PPN << memdomain.PageShift
	}
}

// Miss resolves a mapping for one access, raising an exception through
// Proc.TakeMemoryException on failure (spec.md §4.5 "miss"). mode
// identifies which per-mode domain the access was issued against; kind
// selects Physical (already-translated PA access subject only to PMP/PMA)
// or Virtual (needs translation first).
func (s *System) Miss(mode riscv.Mode, kind DomainKind, va uint64, bytes uint64, required riscv.Access, attrs ptwAttrs) bool {
	md, ok := s.domains[mode]
	if !ok {
		log.Warnf("miss against unknown domain for mode %v", mode)
		return false
	}

	if kind == DomainPhysical {
		return s.refinePMP(mode, va, bytes, required, attrs.Artifact)
	}

	remaining := rangeSpan{low: va, high: va + bytes - 1}
	for remaining.low <= remaining.high {
		res, err := s.resolveOne(mode, remaining.low, required, attrs)
		if err != nil {
			if !attrs.Artifact {
				f := err.(*vmerr.Fault)
				s.raise(f, required)
			}
			return false
		}

		handle := md.Virtual.AliasMemoryVM(res.LowVA, res.HighVA, res.PA, res.Access, uint64(res.asidMask), uint64(res.simASID))
		// The bare (translation off) mapping has no TLB entry to own the alias.
		if entry := res.entry; entry != nil {
			entry.SetAlias(func() { md.Virtual.UnaliasMemoryVM(handle) })
		}

		spanEnd := res.HighVA
		if remaining.high < spanEnd {
			spanEnd = remaining.high
		}
		pa := res.PA + (remaining.low - res.LowVA)
		n := spanEnd - remaining.low + 1
		if !s.refinePMP(mode, pa, n, required, attrs.Artifact) {
			return false
		}

		if res.HighVA == ^uint64(0) {
			break
		}
		remaining.low = res.HighVA + 1
	}
	return true
}

// ptwAttrs is a thin alias kept local to vm so callers needn't import ptw
// just to pass attribute flags through Miss.
type ptwAttrs = riscv.Attrs

type rangeSpan struct{ low, high uint64 }

type resolvedMapping struct {
	ptw.Result
	entry    *tlb.Entry
	simASID  simasid.Key
	asidMask simasid.Key
}

// resolveOne performs the stage-1 (and, when active, stage-2) lookup-or-walk
// for one VA, implementing the bulk of spec.md §4.5 step 2.
func (s *System) resolveOne(mode riscv.Mode, va uint64, required riscv.Access, attrs ptwAttrs) (resolvedMapping, error) {
	regime, enabled := s.activeRegime()
	if !enabled {
		return resolvedMapping{Result: ptw.Result{LowVA: 0, HighVA: ^uint64(0), PA: 0, Access: riscv.AccessRead | riscv.AccessWrite | riscv.AccessExecute}}, nil
	}

	s1, s1Entry, err := s.lookupOrWalk(regime, mode, va, required, attrs, Sv39ModeFor(regime))
	if err != nil {
		return resolvedMapping{}, err
	}

	if !s1Entry.Dirty && required&riscv.AccessWrite != 0 {
		s.storeFor(regime).Remove(s1Entry)
		s1, s1Entry, err = s.lookupOrWalk(regime, mode, va, required, attrs, Sv39ModeFor(regime))
		if err != nil {
			return resolvedMapping{}, err
		}
	}

	result := resolvedMapping{Result: s1, entry: s1Entry}

	hgatp := s.Proc.Hgatp()
	if regime == riscv.RegimeVS1 && hgatp.Mode != 0 {
		gpa := va + s1.PA - s1.LowVA
		s2, s2Entry, err := s.lookupOrWalk(riscv.RegimeVS2, mode, gpa, required, attrs, Sv39ModeFor(riscv.RegimeVS2))
		if err != nil {
			return resolvedMapping{}, err
		}
		merged := mergeStages(s1, s2)
		result.Result = merged
		result.entry = s2Entry
	}

	callerKey := simasid.FromProcessor(s.Proc, regime)
	mask := simasid.Mask(regime, result.entry.Global, result.entry.User, mode == riscv.ModeSupervisor, s.Proc.Virtualized())
	result.simASID = callerKey
	result.asidMask = mask
	return result, nil
}

// Sv39ModeFor returns the walking mode for a regime: Sv39x4 for VS2 and
// Sv39 for HS and VS1. It does not read the satp/vsatp/hgatp MODE field, so
// Sv32, Sv48 and their x4 variants are never selected by the orchestrator.
func Sv39ModeFor(regime riscv.Regime) ptw.Mode {
	if regime == riscv.RegimeVS2 {
		return ptw.Sv39x4
	}
	return ptw.Sv39
}

// effectiveMXRSUM implements spec.md §4.2 step 2 for the given active
// regime. HS (and VS1 with V=0, which activeRegime never reports as VS1)
// uses hstatus/mstatus's own MXR/SUM. VS1 ORs in the virtualized-stage MXR
// on top of the hypervisor-stage one — the hypervisor can force
// make-executable-readable on the guest regardless of what the guest's own
// vsstatus says — but SUM for a VS-stage walk is purely guest-controlled
// (vsstatus.SUM), so it is not OR'd. VS2 walks a G-stage table governed by
// the hypervisor, so MXR comes from hstatus alone; SUM is irrelevant there
// since the caller is already forced to user mode in lookupOrWalk.
func effectiveMXRSUM(regime riscv.Regime, st riscv.Status) (mxr, sum bool) {
	switch regime {
	case riscv.RegimeVS1:
		return st.MXRHS || st.MXRVS, st.SUMVS
	case riscv.RegimeVS2:
		return st.MXRHS, false
	default:
		return st.MXRHS, st.SUMHS
	}
}

// mergeStages composes a stage-1 result (guest-virtual -> guest-physical)
// with a stage-2 result (guest-physical -> supervisor-physical) into one
// guest-virtual -> supervisor-physical mapping (spec.md §4.1 "Two-stage
// composition"). s1 and s2 live in different address spaces (VA vs GPA);
// delta1 is the constant VA->GPA offset stage-1's superpage applies, used
// to re-express stage-2's GPA bounds back in VA terms before intersecting.
func mergeStages(s1, s2 ptw.Result) ptw.Result {
	delta1 := s1.PA - s1.LowVA // va + delta1 == gpa, for va in [s1.LowVA, s1.HighVA]

	vaLowBound := s2.LowVA - delta1
	vaHighBound := s2.HighVA - delta1

	lowVA := s1.LowVA
	if vaLowBound > lowVA {
		lowVA = vaLowBound
	}
	highVA := s1.HighVA
	if vaHighBound < highVA {
		highVA = vaHighBound
	}

	gpaAtLowVA := lowVA + delta1
	pa := s2.PA + (gpaAtLowVA - s2.LowVA)

	return ptw.Result{
		LowVA:    lowVA,
		HighVA:   highVA,
		PA:       pa,
		Access:   s1.Access & s2.Access,
		User:     s1.User,
		Global:   s1.Global || s2.Global,
		Accessed: s1.Accessed && s2.Accessed,
		Dirty:    s1.Dirty && s2.Dirty,
	}
}

func (s *System) lookupOrWalk(regime riscv.Regime, mode riscv.Mode, va uint64, required riscv.Access, attrs ptwAttrs, walkMode ptw.Mode) (ptw.Result, *tlb.Entry, error) {
	store := s.storeFor(regime)
	callerKey := simasid.FromProcessor(s.Proc, regime)

	if e, ok := store.Find(va, callerKey); ok {
		return ptw.Result{
			LowVA: e.LowVA, HighVA: e.HighVA, PA: e.PA, Access: e.Access,
			User: e.User, Global: e.Global, Accessed: e.Accessed, Dirty: e.Dirty,
		}, e, nil
	}

	callerMode := mode
	if regime == riscv.RegimeVS2 {
		// spec.md §4.2 step 2: "when the active TLB is VS2, treat the
		// caller as user mode and ignore SUM" — a G-stage PTE has no
		// meaningful supervisor/user distinction of its own, so the
		// permission check is always run as if from user mode, which
		// also makes the SUM branch in ptw.checkPermission moot.
		callerMode = riscv.ModeUser
	}
	mxr, sum := effectiveMXRSUM(regime, s.Proc.Status())

	dom := s.domains[mode].Physical
	req := ptw.Request{
		Mode:            walkMode,
		CallerMode:      callerMode,
		RootPA:          s.rootFor(regime),
		VA:              va,
		Required:        required,
		Attrs:           attrs,
		MXR:             mxr,
		SUM:             sum,
		PrivVersion:     s.Proc.PrivArchVersion(),
		ASIDImplemented: s.asidBits != 0,
		HardwareA:       s.hardwareA,
		HardwareD:       s.hardwareD,
		Endian:          s.Proc.Endianness(regime),
	}
	res, err := ptw.Walk(dom, req)
	if err != nil {
		return ptw.Result{}, nil, err
	}

	if attrs.Artifact {
		e := &tlb.Entry{LowVA: res.LowVA, HighVA: res.HighVA, PA: res.PA, Access: res.Access,
			User: res.User, Global: res.Global, Accessed: res.Accessed, Dirty: res.Dirty, Artifact: true}
		return res, e, nil
	}

	e := store.NewEntry()
	e.LowVA, e.HighVA, e.PA = res.LowVA, res.HighVA, res.PA
	e.Access, e.User, e.Global, e.Accessed, e.Dirty = res.Access, res.User, res.Global, res.Accessed, res.Dirty
	e.Regime = regime
	e.SimASID = callerKey
	e.ASIDMask = simasid.Mask(regime, res.Global, res.User, mode == riscv.ModeSupervisor, s.Proc.Virtualized())
	if regime == riscv.RegimeVS1 {
		e.ASID = s.Proc.Vsatp().ASID
	} else {
		e.ASID = s.Proc.Satp().ASID
	}
	e.VMID = s.Proc.Status().VMID
	store.Insert(e)
	return res, e, nil
}

// refinePMP applies the final access-privilege check (spec.md §4.1 "call
// protect on both data and code domains... split RW vs X when the code and
// data PMP domains are distinct"): an execute request is checked against
// PMPCode when one is configured separately, everything else against
// PMPData. A nil engine (FreePMP) grants unconditionally. A denied artifact
// access returns false without raising an exception.
func (s *System) refinePMP(mode riscv.Mode, pa uint64, bytes uint64, required riscv.Access, artifact bool) bool {
	machine := mode == riscv.ModeMachine
	engine := s.PMPData
	if required&riscv.AccessExecute != 0 && s.PMPCode != nil {
		engine = s.PMPCode
	}
	if engine == nil || engine.Check(pa, bytes, required, machine) {
		return true
	}
	if !artifact {
		s.raise(vmerr.New("pmp", vmerr.CodePMP, pa, false), required)
	}
	return false
}

func (s *System) raise(f *vmerr.Fault, required riscv.Access) {
	kind := exceptionKindFor(f, required)
	entry := log.WithField("code", f.Code.String())
	if f.Code.Informational() {
		entry.Info(f.Error())
	} else {
		entry.Warn(f.Error())
	}
	s.Proc.TakeMemoryException(kind, f.VA, f.IsGuest)
}

func exceptionKindFor(f *vmerr.Fault, required riscv.Access) riscv.ExceptionKind {
	isAccessFault := f.Code == vmerr.CodeRead || f.Code == vmerr.CodeWrite || f.Code == vmerr.CodePMP || f.Code == vmerr.CodePMA
	switch {
	case isAccessFault:
		switch {
		case required&riscv.AccessExecute != 0:
			return riscv.ExcInstructionAccessFault
		case required&riscv.AccessWrite != 0:
			return riscv.ExcStoreAMOAccessFault
		default:
			return riscv.ExcLoadAccessFault
		}
	case f.IsGuest:
		switch {
		case required&riscv.AccessExecute != 0:
			return riscv.ExcInstructionGuestPageFault
		case required&riscv.AccessWrite != 0:
			return riscv.ExcStoreAMOGuestPageFault
		default:
			return riscv.ExcLoadGuestPageFault
		}
	default:
		switch {
		case required&riscv.AccessExecute != 0:
			return riscv.ExcInstructionPageFault
		case required&riscv.AccessWrite != 0:
			return riscv.ExcStoreAMOPageFault
		default:
			return riscv.ExcLoadPageFault
		}
	}
}

// InvalidateAll scopes invalidation to the currently active stage-1 regime
// (spec.md §6 "vmInvalidateAll").
func (s *System) InvalidateAll() {
	regime, _ := s.activeRegime()
	s.storeFor(regime).Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, s.vmidBits != 0)
}

// InvalidateAllASID scopes invalidation to entries matching the current ASID.
func (s *System) InvalidateAllASID(asid uint16) {
	regime, _ := s.activeRegime()
	s.storeFor(regime).Invalidate(0, ^uint64(0), tlb.InvalidateASID, asid, s.Proc.Status().VMID, s.asidBits, s.vmidBits != 0)
}

// InvalidateVA scopes invalidation to one VA across every ASID.
func (s *System) InvalidateVA(va uint64) {
	regime, _ := s.activeRegime()
	s.storeFor(regime).Invalidate(va, va, tlb.InvalidateAny, 0, 0, s.asidBits, s.vmidBits != 0)
}

// InvalidateVAASID scopes invalidation to one VA and ASID.
func (s *System) InvalidateVAASID(va uint64, asid uint16) {
	regime, _ := s.activeRegime()
	s.storeFor(regime).Invalidate(va, va, tlb.InvalidateASID, asid, s.Proc.Status().VMID, s.asidBits, s.vmidBits != 0)
}

// DumpTLB, DumpVS1TLB, DumpVS2TLB implement spec.md §6's debug query
// commands.
func (s *System) DumpTLB(w io.Writer)    { s.hs.Dump(w) }
func (s *System) DumpVS1TLB(w io.Writer) { s.vs1.Dump(w) }
func (s *System) DumpVS2TLB(w io.Writer) { s.vs2.Dump(w) }
func (s *System) DumpPMP(w io.Writer)    { s.PMPData.Dump(w) }

// SetASID publishes the simulated ASID to the memory runtime (spec.md §6
// "vmSetASID"). Every lookup already derives its caller key live from Proc
// via simasid.FromProcessor, so there is no cached key to refresh here;
// SetASID exists as the documented hook a CSR write handler calls after
// satp/vsatp/hgatp changes, matching the surrounding processor's calling
// convention even though this orchestrator has nothing to store.
func (s *System) SetASID() {}

// EffectiveDataMode implements the MPRV/MPP domain reselection spec.md §6
// "vmRefreshMPRVDomain" describes: while mstatus.MPRV is set, data accesses
// (never instruction fetches) are checked as if issued from MPP instead of
// the current privilege mode, except that in debug mode this only applies
// when dcsr.mprven is set.
func (s *System) EffectiveDataMode() riscv.Mode {
	st := s.Proc.Status()
	dbg := s.Proc.DebugCSR()
	if !st.MPRV {
		return s.Proc.CurrentMode()
	}
	if dbg.InDebugMode && !dbg.MPRVEnable {
		return s.Proc.CurrentMode()
	}
	return st.MPP
}

// ReadPMPCFG / WritePMPCFG / ReadPMPAddr / WritePMPAddr pass directly
// through to the data-domain PMP engine (spec.md §6).
func (s *System) ReadPMPCFG(wordIndex, entriesPerWord int) uint64 {
	return s.PMPData.ReadConfigWord(wordIndex, entriesPerWord)
}

func (s *System) WritePMPCFG(wordIndex int, value uint64, entriesPerWord int) {
	s.PMPData.WriteConfigWord(wordIndex, value, entriesPerWord)
}

func (s *System) ReadPMPAddr(i int) uint64 { return s.PMPData.ReadAddr(i) }

func (s *System) WritePMPAddr(i int, value uint64) { s.PMPData.WriteAddr(i, value) }

// ResetPMP zeroes every PMP entry (spec.md §3 "PMP entries are reset to
// zero on power-on").
func (s *System) ResetPMP() { s.PMPData.Reset() }

// NewPMP replaces the data-domain PMP engine with a freshly sized one
// (spec.md §6 "vmNewPMP"), wiring its invalidation callback the same way
// Init did so TLB entries are dropped when a region's protection changes.
func (s *System) NewPMP(n int, grain uint, addrBits uint) {
	s.PMPData = pmp.New(n, grain, addrBits)
	s.wirePMPInvalidation(s.PMPData)
}

// FreePMP discards the data-domain PMP engine's state, leaving every access
// unchecked until NewPMP installs a new engine. ResetPMP, DumpPMP and the
// PMP register accessors use the engine directly and panic while it is nil.
func (s *System) FreePMP() { s.PMPData = nil }
