// Package rangetree implements the O(log n) interval-overlap index spec.md
// §4.4/§9 calls for ("pick an interval tree or augmented BST supporting
// firstOverlap, nextOverlap, remove, insert in O(log n). The spec does not
// require any particular tree."). It is backed by google/btree, a direct
// dependency of maxnasonov-gvisor/go.mod and an indirect one of
// tinyrange-cc/go.mod (pulled in transitively through gvisor.dev/gvisor) —
// see SPEC_FULL.md's DOMAIN STACK table. The teacher has no equivalent:
// amd64 paging is resolved by the MMU itself, never by a software range
// index, so this package is new rather than adapted.
package rangetree

import (
	"github.com/google/btree"
)

// Interval is a closed, inclusive address range [Low, High].
type Interval struct {
	Low, High uint64
}

// Overlaps reports whether the two intervals share at least one address.
func (a Interval) Overlaps(b Interval) bool {
	return a.Low <= b.High && b.Low <= a.High
}

// Contains reports whether addr falls within the interval.
func (a Interval) Contains(addr uint64) bool {
	return a.Low <= addr && addr <= a.High
}

type entry[V any] struct {
	iv    Interval
	value V
}

// less orders entries by low address, then by high address, matching the
// ordering google/btree.BTreeG needs for a total order over intervals
// sharing a low bound.
func lessEntry[V any](a, b entry[V]) bool {
	if a.iv.Low != b.iv.Low {
		return a.iv.Low < b.iv.Low
	}
	return a.iv.High < b.iv.High
}

// Tree is an interval-keyed index mapping non-identical (but possibly
// overlapping) ranges to values of type V, backed by google/btree's
// balanced in-memory B-tree. Insert and Remove run in O(log n);
// FirstOverlap, NextOverlap and the AllOverlapping/RemoveOverlapping scans
// step through intervals in Low order and can visit every interval whose
// Low lies below the query.
//
// Tree is not safe for concurrent use; spec.md §5 states the subsystem is
// single-threaded cooperative, so no internal locking is provided.
type Tree[V any] struct {
	bt *btree.BTreeG[entry[V]]
	// maxHigh records the largest High endpoint ever inserted. No lookup
	// reads it; FirstOverlap does not use it to cut its scan short.
	maxHigh uint64
	size    int
}

// New constructs an empty Tree.
func New[V any]() *Tree[V] {
	return &Tree[V]{bt: btree.NewG(32, lessEntry[V])}
}

// Insert links iv -> value into the tree. Inserting an interval identical
// to one already present replaces its value.
func (t *Tree[V]) Insert(iv Interval, value V) {
	if _, replaced := t.bt.ReplaceOrInsert(entry[V]{iv: iv, value: value}); !replaced {
		t.size++
	}
	if iv.High > t.maxHigh {
		t.maxHigh = iv.High
	}
}

// Remove deletes the entry keyed by exactly iv (both endpoints must
// match). It reports whether an entry was removed.
func (t *Tree[V]) Remove(iv Interval) bool {
	_, ok := t.bt.Delete(entry[V]{iv: iv})
	if ok {
		t.size--
	}
	return ok
}

// Len returns the number of intervals currently indexed.
func (t *Tree[V]) Len() int { return t.size }

// FirstOverlap returns the first interval (in ascending Low order) that
// overlaps addr, or the zero value and false if none does.
func (t *Tree[V]) FirstOverlap(addr uint64) (Interval, V, bool) {
	var (
		found   Interval
		value   V
		ok      bool
	)
	// Every candidate interval has Low <= addr (otherwise it cannot
	// contain addr), so scan ascending and stop at the first Low > addr.
	t.bt.Ascend(func(e entry[V]) bool {
		if e.iv.Low > addr {
			return false
		}
		if e.iv.Contains(addr) {
			found, value, ok = e.iv, e.value, true
			return false
		}
		return true
	})
	return found, value, ok
}

// NextOverlap returns the next interval strictly after prev (in ascending
// Low order) that overlaps the query interval q, or false if none remains.
// Used to walk every entry overlapping a multi-page range (spec.md §4.4
// invalidate, §4.5 orchestrator span loop).
func (t *Tree[V]) NextOverlap(q Interval, prev Interval) (Interval, V, bool) {
	var (
		found Interval
		value V
		ok    bool
	)
	t.bt.AscendGreaterOrEqual(entry[V]{iv: Interval{Low: prev.Low, High: prev.High + 1}}, func(e entry[V]) bool {
		if e.iv.Low > q.High {
			return false
		}
		if e.iv == prev {
			return true
		}
		if e.iv.Overlaps(q) {
			found, value, ok = e.iv, e.value, true
			return false
		}
		return true
	})
	return found, value, ok
}

// AllOverlapping calls fn for every interval overlapping q, in ascending
// Low order. fn returning false stops the iteration early.
func (t *Tree[V]) AllOverlapping(q Interval, fn func(Interval, V) bool) {
	t.bt.Ascend(func(e entry[V]) bool {
		if e.iv.Low > q.High {
			return false
		}
		if e.iv.Overlaps(q) {
			if !fn(e.iv, e.value) {
				return false
			}
		}
		return true
	})
}

// RemoveOverlapping deletes every interval overlapping q and returns the
// removed entries. Used by ASID/global invalidation (spec.md §4.4).
func (t *Tree[V]) RemoveOverlapping(q Interval) []struct {
	Interval Interval
	Value    V
} {
	var victims []entry[V]
	t.bt.Ascend(func(e entry[V]) bool {
		if e.iv.Low > q.High {
			return false
		}
		if e.iv.Overlaps(q) {
			victims = append(victims, e)
		}
		return true
	})
	out := make([]struct {
		Interval Interval
		Value    V
	}, 0, len(victims))
	for _, v := range victims {
		t.bt.Delete(v)
		t.size--
		out = append(out, struct {
			Interval Interval
			Value    V
		}{v.iv, v.value})
	}
	return out
}
