// Package tlb implements the per-translation-regime TLB store (spec.md
// §3 "TLB Entry", §4.4 "TLB Store"): a range-lookup structure plus a free
// list of reusable entries, one instance per regime (HS, VS1, VS2).
//
// There is no teacher equivalent — amd64 paging has no software TLB model,
// the hardware MMU caches translations invisibly — so this is new
// infrastructure. The free-list discipline follows the allocate-or-recycle
// shape of the teacher's boot-memory frame allocator
// (kernel/mem/pmm/allocator/bootmem.go, mirrored in memdomain.FrameAllocator);
// the range lookup is backed by rangetree.Tree.
package tlb

import (
	"fmt"
	"io"

	"riscvvm/rangetree"
	"riscvvm/riscv"
	"riscvvm/simasid"
)

// InvalidateMode selects the predicate invalidate uses to choose which
// entries to remove (spec.md §4.4).
type InvalidateMode uint8

const (
	InvalidateAny InvalidateMode = iota
	InvalidateASID
)

// Entry is one cached translation (spec.md §3 "TLB Entry").
type Entry struct {
	LowVA, HighVA uint64
	PA            uint64
	Regime        riscv.Regime
	Access        riscv.Access
	User          bool
	Global        bool
	Accessed      bool
	Dirty         bool

	// Mapped is a bitmask over base privilege modes in which this entry
	// is aliased into a virtual domain (spec.md §3, §4.6). Neither this
	// package nor vm sets it; the live alias is tracked through SetAlias.
	Mapped uint8

	// Artifact marks an entry created by a non-architectural probe; it
	// never survives past the next lookup (spec.md §3).
	Artifact bool

	SimASID  simasid.Key
	ASIDMask simasid.Key

	// ASID/VMID are carried separately from SimASID so invalidate can
	// match on them directly without unpacking the key (spec.md §4.4
	// "ASID predicate deletes only non-global entries whose ASID
	// matches... and whose VMID matches").
	ASID uint16
	VMID uint16

	// handle is the opaque back-reference to this entry's range-table
	// record (spec.md §9 "store an opaque handle; do not attempt
	// circular ownership").
	handle rangetree.Interval

	// alias, when non-nil, is the live host-domain alias installed for
	// this entry (spec.md §4.6); torn down on deletion.
	alias aliasTeardown
}

// aliasTeardown is implemented by memdomain.VirtualDomain's UnaliasMemoryVM
// closure; kept as a narrow function type here so tlb does not import
// memdomain (avoiding an import cycle, since memdomain has no reason to
// know about TLB entries).
type aliasTeardown func()

// SetAlias records the teardown closure for this entry's host-domain alias.
func (e *Entry) SetAlias(teardown func()) { e.alias = teardown }

// Store is one regime's TLB: a range-lookup index over live entries plus a
// free list of entries pending reuse (spec.md §4.4).
type Store struct {
	Regime  riscv.Regime
	entries *rangetree.Tree[*Entry]
	free    []*Entry
}

// New creates an empty TLB for the given regime.
func New(regime riscv.Regime) *Store {
	return &Store{Regime: regime, entries: rangetree.New[*Entry]()}
}

// alloc returns a reusable Entry from the free list, or a fresh one.
func (s *Store) alloc() *Entry {
	if n := len(s.free); n > 0 {
		e := s.free[n-1]
		s.free = s.free[:n-1]
		*e = Entry{}
		return e
	}
	return &Entry{}
}

// Insert links e into the range structure (spec.md §4.4 "insert(entry):
// link into range structure"). e should normally come from alloc (exposed
// via NewEntry) so free-list reuse is observed.
func (s *Store) Insert(e *Entry) {
	e.handle = rangetree.Interval{Low: e.LowVA, High: e.HighVA}
	s.entries.Insert(e.handle, e)
}

// NewEntry reserves an Entry (from the free list if available) ready to be
// populated by a walker result and then Inserted.
func (s *Store) NewEntry() *Entry {
	return s.alloc()
}

func (s *Store) release(e *Entry) {
	if e.alias != nil {
		e.alias()
		e.alias = nil
	}
	s.free = append(s.free, e)
}

// Find performs a range-overlap lookup at a single VA, returning the first
// non-artifact entry whose simulated-ASID matches callerKey under the
// entry's own mask (spec.md §4.4 "find"). Artifact entries encountered
// during the scan are deleted in place and skipped.
func (s *Store) Find(va uint64, callerKey simasid.Key) (*Entry, bool) {
	q := rangetree.Interval{Low: va, High: va}
	iv, e, ok := s.entries.FirstOverlap(va)
	for ok {
		if e.Artifact {
			nextIv, nextE, hasNext := s.entries.NextOverlap(q, iv)
			s.entries.Remove(iv)
			s.release(e)
			if !hasNext {
				return nil, false
			}
			iv, e, ok = nextIv, nextE, true
			continue
		}
		if simasid.Matches(e.SimASID, callerKey, e.ASIDMask) {
			return e, true
		}
		nextIv, nextE, hasNext := s.entries.NextOverlap(q, iv)
		if !hasNext {
			return nil, false
		}
		iv, e, ok = nextIv, nextE, true
	}
	return nil, false
}

// Remove deletes e from the range structure and returns it to the free
// list, tearing down any host-side alias first (spec.md §4.4 "Deletion
// also tears down any host-side alias created for the entry... before
// returning memory to the free list").
func (s *Store) Remove(e *Entry) {
	s.entries.Remove(e.handle)
	s.release(e)
}

// Invalidate deletes every overlapping entry in [lowVA, highVA] matching
// mode's predicate (spec.md §4.4 "invalidate"). When asidBits == 0 (ASID
// feature absent) every entry behaves as global, so ANY and ASID scope
// identically.
func (s *Store) Invalidate(lowVA, highVA uint64, mode InvalidateMode, asid, vmid uint16, asidBits uint, hasVMID bool) {
	q := rangetree.Interval{Low: lowVA, High: highVA}
	removed := s.entries.RemoveOverlapping(q)
	for _, r := range removed {
		e := r.Value
		if mode == InvalidateASID && asidBits != 0 {
			if e.Global {
				// Global entries are exempt from ASID-scoped
				// invalidation; reinstate it.
				s.entries.Insert(r.Interval, e)
				continue
			}
			if e.ASID != asid {
				s.entries.Insert(r.Interval, e)
				continue
			}
			if hasVMID && e.VMID != vmid {
				s.entries.Insert(r.Interval, e)
				continue
			}
		}
		s.release(e)
	}
}

// Dump writes a human-readable listing of every live entry (spec.md §6
// "Debug interface").
func (s *Store) Dump(w io.Writer) {
	fmt.Fprintf(w, "TLB[%s]:\n", s.Regime)
	s.entries.AllOverlapping(rangetree.Interval{Low: 0, High: ^uint64(0)}, func(iv rangetree.Interval, e *Entry) bool {
		asidStr := ""
		if !e.Global {
			asidStr = fmt.Sprintf(" asid=%#x", e.ASID)
		}
		fmt.Fprintf(w, "  [%#016x-%#016x] -> %#016x %s U=%v G=%v A=%v D=%v%s\n",
			e.LowVA, e.HighVA, e.PA, e.Access, e.User, e.Global, e.Accessed, e.Dirty, asidStr)
		return true
	})
}

// Len reports the number of live (non-free-list) entries.
func (s *Store) Len() int { return s.entries.Len() }

// All iterates every live entry in the store, stopping early if fn returns
// false. Used by the save/restore path to stream entries out (spec.md §6
// "Persisted state format").
func (s *Store) All(fn func(e *Entry) bool) {
	s.entries.AllOverlapping(rangetree.Interval{Low: 0, High: ^uint64(0)}, func(_ rangetree.Interval, e *Entry) bool {
		return fn(e)
	})
}
