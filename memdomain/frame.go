package memdomain

import "math"

// Frame describes a physical memory page index, mirroring the teacher's
// kernel/mem/pmm.Frame exactly (same Valid()/Address() shape).
type Frame uintptr

// InvalidFrame is returned by allocators that fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool { return f != InvalidFrame }

// Address returns the physical base address of this frame.
func (f Frame) Address() uint64 { return uint64(f) << PageShift }

// FrameFromAddress returns the frame index containing addr.
func FrameFromAddress(addr uint64) Frame { return Frame(addr >> PageShift) }
