package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"riscvvm/riscv"
	"riscvvm/simasid"
	"riscvvm/tlb"
)

// tlbEntryTag marks one TLB_ENTRY record in the save stream (spec.md §6
// "Persisted state format"). There is no pack library for a record-tagged
// binary stream this small; encoding/binary is used directly rather than a
// general serialization library, since no such library appears anywhere in
// the example pack's go.mod set (see DESIGN.md).
const tlbEntryTag = "TLB_ENTRY"

// flagBits packs the boolean fields of a TLB entry into one byte for the
// wire format.
const (
	flagUser = 1 << iota
	flagGlobal
	flagAccessed
	flagDirty
)

// Save streams every non-artifact HS/VS1/VS2 TLB entry as a sequence of
// TLB_ENTRY records, terminated by a zero-size record (spec.md §6 "TLB
// save: a sequence of records tagged TLB_ENTRY... a terminator record").
// The Mapped field and alias back-reference are never persisted — restore
// always starts from an unaliased, unmapped entry.
func (s *System) Save(w io.Writer) error {
	for _, store := range []*tlb.Store{s.hs, s.vs1, s.vs2} {
		var saveErr error
		store.All(func(e *tlb.Entry) bool {
			if e.Artifact {
				return true
			}
			if saveErr = writeTLBRecord(w, e); saveErr != nil {
				return false
			}
			return true
		})
		if saveErr != nil {
			return saveErr
		}
	}
	return binary.Write(w, binary.LittleEndian, uint32(0))
}

func writeTLBRecord(w io.Writer, e *tlb.Entry) error {
	payload := new(bytes.Buffer)
	var flags byte
	if e.User {
		flags |= flagUser
	}
	if e.Global {
		flags |= flagGlobal
	}
	if e.Accessed {
		flags |= flagAccessed
	}
	if e.Dirty {
		flags |= flagDirty
	}

	fields := []any{
		e.LowVA, e.HighVA, e.PA,
		byte(e.Regime), byte(e.Access), flags,
		uint64(e.SimASID), uint64(e.ASIDMask),
		e.ASID, e.VMID,
	}
	for _, f := range fields {
		if err := binary.Write(payload, binary.LittleEndian, f); err != nil {
			return err
		}
	}

	size := uint32(len(tlbEntryTag) + payload.Len())
	if err := binary.Write(w, binary.LittleEndian, size); err != nil {
		return err
	}
	if _, err := io.WriteString(w, tlbEntryTag); err != nil {
		return err
	}
	_, err := w.Write(payload.Bytes())
	return err
}

// Restore clears every TLB (an ANY-mode invalidation over the full address
// range), then reinserts each TLB_ENTRY record read from r (spec.md §6
// "Restore clears every TLB first... then reinserts each record").
func (s *System) Restore(r io.Reader) error {
	s.hs.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, false)
	s.vs1.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, false)
	s.vs2.Invalidate(0, ^uint64(0), tlb.InvalidateAny, 0, 0, s.asidBits, false)

	for {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return err
		}
		if size == 0 {
			return nil
		}

		tag := make([]byte, len(tlbEntryTag))
		if _, err := io.ReadFull(r, tag); err != nil {
			return err
		}
		if string(tag) != tlbEntryTag {
			return fmt.Errorf("vm: restore: unexpected record tag %q", tag)
		}

		payloadSize := int(size) - len(tlbEntryTag)
		payload := make([]byte, payloadSize)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		if err := s.restoreTLBRecord(payload); err != nil {
			return err
		}
	}
}

func (s *System) restoreTLBRecord(payload []byte) error {
	buf := bytes.NewReader(payload)
	var lowVA, highVA, pa uint64
	var regimeByte, accessByte, flags byte
	var simASID, asidMask uint64
	var asid, vmid uint16

	fields := []any{
		&lowVA, &highVA, &pa,
		&regimeByte, &accessByte, &flags,
		&simASID, &asidMask,
		&asid, &vmid,
	}
	for _, f := range fields {
		if err := binary.Read(buf, binary.LittleEndian, f); err != nil {
			return err
		}
	}

	regime := riscv.Regime(regimeByte)
	e := s.storeFor(regime).NewEntry()
	e.LowVA, e.HighVA, e.PA = lowVA, highVA, pa
	e.Regime = regime
	e.Access = riscv.Access(accessByte)
	e.User = flags&flagUser != 0
	e.Global = flags&flagGlobal != 0
	e.Accessed = flags&flagAccessed != 0
	e.Dirty = flags&flagDirty != 0
	e.SimASID = simasid.Key(simASID)
	e.ASIDMask = simasid.Key(asidMask)
	e.ASID = asid
	e.VMID = vmid

	s.storeFor(regime).Insert(e)
	return nil
}
