// Package vmerr defines the fault taxonomy produced by the page-table
// walker, the PMP engine, and the translation orchestrator (spec.md §7).
//
// Fault is a direct descendant of the teacher's kernel.Error{Module,
// Message} shape, generalized with a Code so callers can branch on the
// exact failure reason and an IsGuest flag so the orchestrator can select
// the guest-page-fault exception variant when the failing walker was
// stage-2.
package vmerr

import "fmt"

// Code enumerates the walker/PMP failure reasons from spec.md §4.1 and §4.7.
type Code uint8

const (
	// CodeVAExtend: the high bits of a virtual address do not correctly
	// sign-extend (or, for Sv32x4/Sv39x4/Sv48x4, more extra bits than the
	// mode allows are set).
	CodeVAExtend Code = iota
	// CodeV0: the PTE's valid bit is clear.
	CodeV0
	// CodeR0W1: the PTE encodes the reserved R=0,W=1 combination.
	CodeR0W1
	// CodeLeaf: the walk ran out of levels before reaching a leaf.
	CodeLeaf
	// CodeAlign: a superpage PTE's PPN is not aligned to its level's size.
	CodeAlign
	// CodePriv: the permission check failed.
	CodePriv
	// CodeA0: the accessed bit is clear and hardware A-updates are
	// disabled.
	CodeA0
	// CodeD0: the dirty bit is clear on a write and hardware D-updates
	// are disabled.
	CodeD0
	// CodeRead: a bus error occurred reading a PTE.
	CodeRead
	// CodeWrite: a bus error occurred writing a PTE back.
	CodeWrite
	// CodePMP: a PMP region denied the access.
	CodePMP
	// CodePMA: a PMA extension hook denied the access.
	CodePMA
	// CodeNotMapped: the domain passed to Miss is not one of the
	// per-mode Physical/Virtual/PMP domains vmInit constructed.
	CodeNotMapped
)

func (c Code) String() string {
	switch c {
	case CodeVAExtend:
		return "VAEXTEND"
	case CodeV0:
		return "V0"
	case CodeR0W1:
		return "R0W1"
	case CodeLeaf:
		return "LEAF"
	case CodeAlign:
		return "ALIGN"
	case CodePriv:
		return "PRIV"
	case CodeA0:
		return "A0"
	case CodeD0:
		return "D0"
	case CodeRead:
		return "READ"
	case CodeWrite:
		return "WRITE"
	case CodePMP:
		return "PMP"
	case CodePMA:
		return "PMA"
	case CodeNotMapped:
		return "NOT_MAPPED"
	default:
		return "UNKNOWN"
	}
}

// IsPageFault reports whether this code maps to a translation page fault
// (as opposed to a bus-style access fault or a PMP/PMA denial); spec.md §7.
func (c Code) IsPageFault() bool {
	switch c {
	case CodeVAExtend, CodeV0, CodeR0W1, CodeLeaf, CodeAlign, CodePriv, CodeA0, CodeD0:
		return true
	default:
		return false
	}
}

// IsAccessFault reports whether this code maps to a bus-style access fault.
func (c Code) IsAccessFault() bool {
	return c == CodeRead || c == CodeWrite
}

// Informational reports whether spec.md §7 classifies this code as routine
// ("normal OS behavior") rather than a warning-worthy condition.
func (c Code) Informational() bool {
	switch c {
	case CodeV0, CodePriv, CodeA0, CodeD0:
		return true
	default:
		return false
	}
}

// Fault is the error type returned by the walker, the PMP engine, and the
// orchestrator.
type Fault struct {
	// Subsystem names the component that raised the fault (walker mode,
	// "pmp", "tlb", "orchestrator"), mirroring the teacher's Module field.
	Subsystem string
	Code      Code
	// IsGuest is set when the failing walk was a stage-2 (VS2) walk; the
	// orchestrator uses it to pick the *Guest* exception variant.
	IsGuest bool
	// VA is the address the fault occurred at, for diagnostics.
	VA uint64
}

func (f *Fault) Error() string {
	guest := ""
	if f.IsGuest {
		guest = " (guest)"
	}
	return fmt.Sprintf("%s: %s%s at 0x%x", f.Subsystem, f.Code, guest, f.VA)
}

// New constructs a Fault.
func New(subsystem string, code Code, va uint64, isGuest bool) *Fault {
	return &Fault{Subsystem: subsystem, Code: code, IsGuest: isGuest, VA: va}
}
