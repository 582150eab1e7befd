package memdomain

import (
	"github.com/pkg/errors"

	"riscvvm/rangetree"
	"riscvvm/riscv"
)

// AliasHandle identifies one virtual-to-physical alias installed via
// AliasMemoryVM, so it can later be removed with UnaliasMemoryVM
// (spec.md §4.6).
type AliasHandle struct {
	va rangetree.Interval
}

type aliasEntry struct {
	paBase    uint64
	access    riscv.Access
	asidMask  uint64
	simASID   uint64
}

// VirtualDomain is the top of the per-mode domain stack: a VA-addressed
// view that forwards accesses to Target after translating through
// whichever alias currently covers the address (spec.md §4.6 "each TLB
// entry... corresponds to a range alias in the target PMP domain").
//
// The teacher has no equivalent (amd64 paging never needs a software
// VA->PA alias table since the MMU itself performs the translation on
// every memory access); this is new infrastructure built to the spec.
type VirtualDomain struct {
	Target  ReadWriter
	aliases *rangetree.Tree[aliasEntry]
}

func NewVirtualDomain(target ReadWriter) *VirtualDomain {
	return &VirtualDomain{Target: target, aliases: rangetree.New[aliasEntry]()}
}

// ErrNoAlias is returned when a VA has no currently-installed alias.
var ErrNoAlias = errors.New("memdomain: no alias covers address")

// AliasMemoryVM installs an alias mapping [lowVA, highVA] to a physical
// range starting at lowPA, tagged with the caller's simulated-ASID key and
// mask (spec.md §4.5 step "Install the resulting range via
// aliasMemoryVM(...)"). No size cap is applied: vm.System.Miss passes the
// full range of the resolved mapping (the whole address space for a bare
// identity mapping), and this layer installs it as given.
func (v *VirtualDomain) AliasMemoryVM(lowVA, highVA, lowPA uint64, access riscv.Access, asidMask, simASID uint64) AliasHandle {
	iv := rangetree.Interval{Low: lowVA, High: highVA}
	v.aliases.Insert(iv, aliasEntry{paBase: lowPA, access: access, asidMask: asidMask, simASID: simASID})
	return AliasHandle{va: iv}
}

// UnaliasMemoryVM removes a previously installed alias.
func (v *VirtualDomain) UnaliasMemoryVM(h AliasHandle) {
	v.aliases.Remove(h.va)
}

// CurrentKeyMismatch reports whether the alias covering va was installed
// under a simulated-ASID key that no longer matches callerKey under the
// alias's own mask — the condition spec.md §4.6 says forces a
// remove-then-reinstate before use.
func (v *VirtualDomain) CurrentKeyMismatch(va, callerKey uint64) (AliasHandle, bool) {
	iv, e, ok := v.aliases.FirstOverlap(va)
	if !ok {
		return AliasHandle{}, false
	}
	return AliasHandle{va: iv}, (e.simASID & e.asidMask) != (callerKey & e.asidMask)
}

func (v *VirtualDomain) translate(va uint64) (uint64, riscv.Access, error) {
	iv, e, ok := v.aliases.FirstOverlap(va)
	if !ok {
		return 0, 0, ErrNoAlias
	}
	return e.paBase + (va - iv.Low), e.access, nil
}

func (v *VirtualDomain) Read4(va uint64) (uint32, error) {
	pa, _, err := v.translate(va)
	if err != nil {
		return 0, err
	}
	return v.Target.Read4(pa)
}

func (v *VirtualDomain) Read8(va uint64) (uint64, error) {
	pa, _, err := v.translate(va)
	if err != nil {
		return 0, err
	}
	return v.Target.Read8(pa)
}

func (v *VirtualDomain) Write4(va uint64, val uint32) error {
	pa, access, err := v.translate(va)
	if err != nil {
		return err
	}
	if access&riscv.AccessWrite == 0 {
		return errors.New("memdomain: write to read-only alias")
	}
	return v.Target.Write4(pa, val)
}

func (v *VirtualDomain) Write8(va uint64, val uint64) error {
	pa, access, err := v.translate(va)
	if err != nil {
		return err
	}
	if access&riscv.AccessWrite == 0 {
		return errors.New("memdomain: write to read-only alias")
	}
	return v.Target.Write8(pa, val)
}
