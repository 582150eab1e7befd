package memdomain

import "github.com/pkg/errors"

// ErrOutOfMemory is returned when the allocator has no more frames to
// offer, either fresh or recycled, mirroring the teacher's
// errBootAllocOutOfMemory sentinel in kernel/mem/pmm/allocator/bootmem.go.
var ErrOutOfMemory = errors.New("memdomain: out of physical frames")

// FrameAllocator reserves the next available physical frame. It tries the
// free list first (frames released by Free) and falls back to a bump
// allocator over the backing storage, the same two-tier shape the
// teacher's bootMemAllocator/bitmap-style allocators use: recycle released
// frames while any are pending, allocate fresh otherwise.
//
// FrameAllocator is not safe for concurrent use (spec.md §5: single
// simulator thread).
type FrameAllocator struct {
	backing   []byte
	nextFresh Frame
	total     Frame
	freeList  []Frame
}

// NewFrameAllocator creates an allocator that can hand out up to
// len(backing)/PageSize frames, with frame 0 based at the start of
// backing. backing plays the role of the simulator's host-backed physical
// RAM.
func NewFrameAllocator(backing []byte) *FrameAllocator {
	return &FrameAllocator{
		backing: backing,
		total:   Frame(Size(len(backing)) / PageSize),
	}
}

// Alloc reserves a frame, preferring a previously-Freed one (LIFO, the
// simplest possible free-list discipline — spec.md §9 "simple intrusive
// singly-linked list").
func (a *FrameAllocator) Alloc() (Frame, error) {
	if n := len(a.freeList); n > 0 {
		f := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return f, nil
	}
	if a.nextFresh >= a.total {
		return InvalidFrame, ErrOutOfMemory
	}
	f := a.nextFresh
	a.nextFresh++
	return f, nil
}

// Free returns a frame to the pool for reuse. Freeing an invalid or
// out-of-range frame panics; a double free is not detected and puts the
// frame on the free list twice, matching the teacher's posture of trusting
// internal callers (frames are never attacker controlled).
func (a *FrameAllocator) Free(f Frame) {
	if !f.Valid() || f >= a.total {
		panic("memdomain: Free of out-of-range frame")
	}
	a.freeList = append(a.freeList, f)
}

// Bytes returns the backing storage for the given frame, sized to exactly
// one page. This is the "host memory domain runtime" read/write surface
// that spec.md places out of scope as an external collaborator; here it is
// a direct byte-slice view since the simulator's physical RAM is just a
// Go-allocated buffer.
func (a *FrameAllocator) Bytes(f Frame) []byte {
	start := uint64(f) * uint64(PageSize)
	return a.backing[start : start+uint64(PageSize)]
}
