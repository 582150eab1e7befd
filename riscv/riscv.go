// Package riscv describes the surrounding processor state that the virtual
// memory subsystem consumes but does not own: the CSR register file, the
// current privilege mode, the active endianness, and the privileged
// architecture version. Everything in this package is an interface to an
// external collaborator (spec.md §6) — the simulator's CPU core implements
// it; this module only reads it.
package riscv

// Mode is a RISC-V privilege level.
type Mode uint8

const (
	ModeUser Mode = iota
	ModeSupervisor
	ModeReserved
	ModeMachine
)

// Regime identifies which translation regime a walk or TLB belongs to.
type Regime uint8

const (
	RegimeHS Regime = iota
	RegimeVS1
	RegimeVS2
)

func (r Regime) String() string {
	switch r {
	case RegimeHS:
		return "HS"
	case RegimeVS1:
		return "VS1"
	case RegimeVS2:
		return "VS2"
	default:
		return "unknown"
	}
}

// PrivVersion orders privileged-architecture revisions so callers can
// compare against a minimum supported version (e.g. "supervisor may not
// execute user pages" as of 1.11, spec.md §4.2 step 5).
type PrivVersion uint8

const (
	PrivVersion1_10 PrivVersion = iota
	PrivVersion1_11
	PrivVersion1_12
)

// AtLeast reports whether this version is the same as or newer than min.
func (v PrivVersion) AtLeast(min PrivVersion) bool { return v >= min }

// Endianness is the data endianness in effect for a given regime's memory
// accesses.
type Endianness uint8

const (
	LittleEndian Endianness = iota
	BigEndian
)

// SatpState mirrors the fields of satp/vsatp/hgatp that the walker and
// regime-selection logic need (spec.md §4.3).
type SatpState struct {
	Mode uint8 // 0 = Bare, else an Sv* mode selector
	ASID uint16
	PPN  uint64
}

// Status mirrors the subset of mstatus/vsstatus/hstatus fields the
// permission checker and ASID packer need (spec.md §3, §4.2). MXR/SUM are
// split by stage rather than flattened into one pair: hstatus (and plain
// mstatus when V=0) contributes MXRHS/SUMHS, vsstatus contributes
// MXRVS/SUMVS, and the orchestrator combines them per regime (spec.md §4.2
// step 2 "MXR is the OR of hypervisor-stage and virtualized-stage MXR when
// the active TLB is VS1; ... treat the caller as user mode and ignore SUM"
// when the active TLB is VS2).
type Status struct {
	MXRHS, SUMHS bool
	MXRVS, SUMVS bool
	MPRV         bool
	MPP          Mode
	MPV          bool
	VMID         uint16
	S1Stage      bool // vsatp.MODE != 0
	S2Stage      bool // hgatp.MODE != 0
}

// DebugControl mirrors dcsr/mstatush fields relevant to MPRV-in-debug-mode
// semantics (spec.md §6 vmRefreshMPRVDomain).
type DebugControl struct {
	InDebugMode bool
	MPRVEnable  bool // dcsr.mprven
}

// Processor is the set of external collaborator queries the virtual memory
// subsystem needs from the surrounding simulator. It is intentionally small
// and read-only: spec.md §1 places CSR ownership, privilege dispatch, and
// exception delivery out of scope for this subsystem.
type Processor interface {
	// CurrentMode returns the hart's current privilege mode.
	CurrentMode() Mode

	// Virtualized reports whether the hart is currently executing a
	// virtualized (V=1) context.
	Virtualized() bool

	// MinImplementedMode returns the lowest privilege mode the hart
	// implements (e.g. ModeUser if U-mode exists, else ModeSupervisor).
	MinImplementedMode() Mode

	// PrivArchVersion returns the implemented privileged-architecture
	// version, used for version-gated permission rules.
	PrivArchVersion() PrivVersion

	// Satp, Vsatp, Hgatp return the corresponding CSR state.
	Satp() SatpState
	Vsatp() SatpState
	Hgatp() SatpState

	// Status returns the effective mstatus/vsstatus/hstatus fields.
	Status() Status

	// DebugCSR returns dcsr/mstatush fields.
	DebugCSR() DebugControl

	// Endianness returns the data endianness for the given regime.
	Endianness(r Regime) Endianness

	// ASIDBits and VMIDBits report the implemented width of the ASID and
	// VMID fields; a width of zero means the feature is absent and every
	// TLB entry behaves as if global (spec.md §4.4 invalidate).
	ASIDBits() uint
	VMIDBits() uint

	// TakeMemoryException reports a translation or access fault to the
	// surrounding processor for dispatch (spec.md §6).
	TakeMemoryException(kind ExceptionKind, va uint64, gva bool)
}

// ExceptionKind enumerates the exception variants the orchestrator can
// raise (spec.md §7).
type ExceptionKind uint8

const (
	ExcLoadPageFault ExceptionKind = iota
	ExcStoreAMOPageFault
	ExcInstructionPageFault
	ExcLoadGuestPageFault
	ExcStoreAMOGuestPageFault
	ExcInstructionGuestPageFault
	ExcLoadAccessFault
	ExcStoreAMOAccessFault
	ExcInstructionAccessFault
)

func (k ExceptionKind) String() string {
	switch k {
	case ExcLoadPageFault:
		return "LoadPageFault"
	case ExcStoreAMOPageFault:
		return "StoreAMOPageFault"
	case ExcInstructionPageFault:
		return "InstructionPageFault"
	case ExcLoadGuestPageFault:
		return "LoadGuestPageFault"
	case ExcStoreAMOGuestPageFault:
		return "StoreAMOGuestPageFault"
	case ExcInstructionGuestPageFault:
		return "InstructionGuestPageFault"
	case ExcLoadAccessFault:
		return "LoadAccessFault"
	case ExcStoreAMOAccessFault:
		return "StoreAMOAccessFault"
	case ExcInstructionAccessFault:
		return "InstructionAccessFault"
	default:
		return "unknown"
	}
}

// Access describes the kind of memory access being translated or checked.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
)

// HasAll reports whether priv contains every bit in required.
func (a Access) HasAll(required Access) bool { return a&required == required }

// String renders an access set as up to three letters, RWX order.
func (a Access) String() string {
	var out [3]byte
	n := 0
	if a&AccessRead != 0 {
		out[n] = 'R'
		n++
	}
	if a&AccessWrite != 0 {
		out[n] = 'W'
		n++
	}
	if a&AccessExecute != 0 {
		out[n] = 'X'
		n++
	}
	return string(out[:n])
}

// Attrs accompanies every translation/access request with attributes that
// are orthogonal to the required privilege, e.g. whether the access
// originates from an architectural instruction or a non-architectural
// probe (spec.md §3, §5, §9).
type Attrs struct {
	// Artifact marks a non-architectural probe access (e.g. a debugger
	// read). Artifact accesses never raise exceptions, never write back
	// A/D bits, and never survive into the TLB as durable entries.
	Artifact bool

	// UserMode marks an explicit user-mode access issued from a supervisor
	// CurrentMode (transaction-mode load/store hooks). The flag is carried
	// through Miss but is not read by the walker or the orchestrator.
	UserMode bool
}
