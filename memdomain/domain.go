package memdomain

import (
	"github.com/pkg/errors"

	"riscvvm/riscv"
)

// ReadWriter is the minimal endian-aware 4/8-byte access surface spec.md §6
// lists among the consumed memory-domain-runtime primitives. Every layer of
// the domain stack (PMA, PMP, Physical, Virtual) implements it; higher
// layers wrap a lower one rather than reimplementing storage.
type ReadWriter interface {
	Read4(addr uint64) (uint32, error)
	Read8(addr uint64) (uint64, error)
	Write4(addr uint64, v uint32) error
	Write8(addr uint64, v uint64) error
}

// ErrBusFault is returned by a ReadWriter when the address has no backing
// storage — the "bus error" that spec.md §4.1 step 3 arms a READ failure
// for.
var ErrBusFault = errors.New("memdomain: bus fault")

// PhysicalDomain is the bottom of the domain stack: a flat, byte-addressed
// view over host-backed RAM (spec.md §1 "host-backed physical addresses").
// It performs no protection checks of its own — those are layered on top
// by ProtectedDomain wrappers constructed by the PMP/PMA engines.
type PhysicalDomain struct {
	alloc  *FrameAllocator
	endian riscv.Endianness
}

// NewPhysicalDomain constructs the bottom Physical domain over alloc's
// backing storage.
func NewPhysicalDomain(alloc *FrameAllocator, endian riscv.Endianness) *PhysicalDomain {
	return &PhysicalDomain{alloc: alloc, endian: endian}
}

func (d *PhysicalDomain) bytesAt(addr uint64, n uint64) ([]byte, error) {
	frame := FrameFromAddress(addr)
	if !frame.Valid() || frame >= d.alloc.total {
		return nil, ErrBusFault
	}
	off := addr - frame.Address()
	if off+n > uint64(PageSize) {
		return nil, errors.New("memdomain: access crosses frame boundary")
	}
	page := d.alloc.Bytes(frame)
	return page[off : off+n], nil
}

func (d *PhysicalDomain) Read4(addr uint64) (uint32, error) {
	b, err := d.bytesAt(addr, 4)
	if err != nil {
		return 0, err
	}
	return Endian4(b, d.endian), nil
}

func (d *PhysicalDomain) Read8(addr uint64) (uint64, error) {
	b, err := d.bytesAt(addr, 8)
	if err != nil {
		return 0, err
	}
	return Endian8(b, d.endian), nil
}

func (d *PhysicalDomain) Write4(addr uint64, v uint32) error {
	b, err := d.bytesAt(addr, 4)
	if err != nil {
		return err
	}
	PutEndian4(b, v, d.endian)
	return nil
}

func (d *PhysicalDomain) Write8(addr uint64, v uint64) error {
	b, err := d.bytesAt(addr, 8)
	if err != nil {
		return err
	}
	PutEndian8(b, v, d.endian)
	return nil
}

// CheckFunc gates an access before it reaches the wrapped domain. It is the
// hook the PMP and PMA engines install (spec.md §4.7 "protect") to form the
// PMA → PMP → Physical layering.
type CheckFunc func(addr uint64, access riscv.Access) error

// ProtectedDomain wraps a lower ReadWriter with an access check, modeling
// one layer of the PMA/PMP domain stack (spec.md §2 domain-stack
// constructor, §4.7 "call protect on both data and code domains").
type ProtectedDomain struct {
	Inner ReadWriter
	Check CheckFunc
}

func NewProtectedDomain(inner ReadWriter, check CheckFunc) *ProtectedDomain {
	return &ProtectedDomain{Inner: inner, Check: check}
}

func (d *ProtectedDomain) Read4(addr uint64) (uint32, error) {
	if err := d.Check(addr, riscv.AccessRead); err != nil {
		return 0, err
	}
	return d.Inner.Read4(addr)
}

func (d *ProtectedDomain) Read8(addr uint64) (uint64, error) {
	if err := d.Check(addr, riscv.AccessRead); err != nil {
		return 0, err
	}
	return d.Inner.Read8(addr)
}

func (d *ProtectedDomain) Write4(addr uint64, v uint32) error {
	if err := d.Check(addr, riscv.AccessWrite); err != nil {
		return err
	}
	return d.Inner.Write4(addr, v)
}

func (d *ProtectedDomain) Write8(addr uint64, v uint64) error {
	if err := d.Check(addr, riscv.AccessWrite); err != nil {
		return err
	}
	return d.Inner.Write8(addr, v)
}
