// Package core implements the simulated-CPU "base block" and the Machine
// context that consolidates the base block, trace cache, thread table,
// and helper table into a single value passed explicitly to every
// subsystem (spec.md §9 "Global mutable state"). It is grounded in the
// teacher's own single-struct-owns-everything style (machine_bus.go's
// MachineBus, which every chip and CPU holds a pointer to) generalized
// from a device bus to the simulated-CPU register file the code
// generator addresses %ebp-relative.
package core

import (
	"github.com/vex86/coregrind-go/errs"
	"github.com/vex86/coregrind-go/ucode"
)

// NumSpillSlots bounds the register allocator's spill area.
const NumSpillSlots = 64

// NumHelperSlots bounds how many helper-function offsets the base block
// carries (8 compact + 50 non-compact, spec.md §6).
const NumHelperSlots = 58

// FieldOffset enumerates base-block fields by their %ebp-relative slot.
// Slots 0..31 (the first 128 bytes at 4 bytes/slot) are reserved for the
// hottest fields so the codegen can use 8-bit-displacement addressing,
// per spec.md §3.
type FieldOffset int

const (
	OffEAX FieldOffset = iota
	OffECX
	OffEDX
	OffEBX
	OffESP
	OffEBP
	OffESI
	OffEDI
	OffEIP
	OffEFLAGS
	OffDFlag // direction flag extracted into its own slot
	OffCS
	OffDS
	OffES
	OffSS
	OffFS
	OffGS
	OffLDTPtr
	OffTLSPtr
	offHotEnd // marks the end of the reserved hot region; must be <= 32
)

// Slot returns the byte displacement for a hot field (4 bytes/slot,
// placing the whole hot region inside the first 128 bytes).
func (f FieldOffset) Slot() int { return int(f) * 4 }

func init() {
	if offHotEnd > 32 {
		panic("core: hot base-block region exceeds 32 slots (128 bytes)")
	}
}

// ThreadId identifies a guest thread; 0 is reserved (spec.md §3).
type ThreadId uint32

const NoThread ThreadId = 0

// BaseBlock is the simulated CPU register file. Exactly one thread's
// state may be resident at a time (spec.md §3 invariant).
type BaseBlock struct {
	GPR    [8]uint32 // EAX..EDI, indexed by ucode.ArchRegId
	EFLAGS uint32
	DFlag  uint32 // 0 or 1, split out so most UCode needn't read full EFLAGS
	EIP    uint32
	Seg    [6]uint16 // CS, DS, ES, SS, FS, GS

	FPU [512]byte // fxsave/fxrstor image, 16-byte aligned by convention

	LDT *LDT
	TLS *TLSBlock

	Spill [NumSpillSlots]uint32

	// ShadowGPR/ShadowEFLAGS mirror GPR/EFLAGS for the plugin "skin" to
	// read without racing the real values (spec.md §3).
	ShadowGPR    [8]uint32
	ShadowEFLAGS uint32

	// HelperOffset holds, for each registered helper, the indirection
	// slot the codegen emits `call *off(%ebp)` through (spec.md §6, §9
	// "Dynamic dispatch via helper table").
	HelperOffset [NumHelperSlots]uint32

	resident ThreadId // 0 when no thread is loaded
}

// LDT is the per-thread local descriptor table pointer target; opaque
// to the core beyond providing segment-base lookups to USESEG.
type LDT struct {
	Entries []LDTEntry
}

type LDTEntry struct {
	Base  uint32
	Limit uint32
	Flags uint32
}

// TLSBlock is the per-thread TLS segment the core hands to USESEG/GETSEG.
type TLSBlock struct {
	Base uint32
}

// ThreadState is the subset of a ThreadRecord's fields that round-trip
// through the base block on every dispatch turn.
type ThreadState struct {
	GPR    [8]uint32
	EFLAGS uint32
	DFlag  uint32
	EIP    uint32
	Seg    [6]uint16
	FPU    [512]byte
	LDT    *LDT
	TLS    *TLSBlock
}

// poisonWord is written over every field on Save so a stale read through
// a dangling pointer faults (or at least reads obviously-wrong data)
// quickly, per spec.md §3/§5.
const poisonWord uint32 = 0xDEADBEEF

// NewBaseBlock returns a base block with no thread resident, fields
// poisoned as if a save had already happened.
func NewBaseBlock() *BaseBlock {
	bb := &BaseBlock{}
	bb.poison()
	return bb
}

// Load brings a thread's saved state into the base block. Per spec.md
// §5, loading first asserts the base block is empty.
func (bb *BaseBlock) Load(tid ThreadId, st *ThreadState) error {
	if bb.resident != NoThread {
		return errs.New(errs.KindInternal, "BaseBlock.Load", errs.ErrBaseBlockOccupied)
	}
	bb.GPR = st.GPR
	bb.EFLAGS = st.EFLAGS
	bb.DFlag = st.DFlag
	bb.EIP = st.EIP
	bb.Seg = st.Seg
	bb.FPU = st.FPU
	bb.LDT = st.LDT
	bb.TLS = st.TLS
	bb.ShadowGPR = st.GPR
	bb.ShadowEFLAGS = st.EFLAGS
	bb.resident = tid
	return nil
}

// Save writes the base block's current fields back into a ThreadState
// and poisons the base block. Per spec.md §5, save_state overwrites all
// fields with poison; per §3 invariant, saving asserts this thread
// actually owns the base block.
func (bb *BaseBlock) Save(tid ThreadId) (*ThreadState, error) {
	if bb.resident != tid {
		return nil, errs.New(errs.KindInternal, "BaseBlock.Save", errs.ErrBaseBlockNotOwned)
	}
	st := &ThreadState{
		GPR:    bb.GPR,
		EFLAGS: bb.EFLAGS,
		DFlag:  bb.DFlag,
		EIP:    bb.EIP,
		Seg:    bb.Seg,
		FPU:    bb.FPU,
		LDT:    bb.LDT,
		TLS:    bb.TLS,
	}
	bb.poison()
	return st, nil
}

// Resident reports the currently-loaded thread, or NoThread.
func (bb *BaseBlock) Resident() ThreadId { return bb.resident }

func (bb *BaseBlock) poison() {
	for i := range bb.GPR {
		bb.GPR[i] = poisonWord
	}
	bb.EFLAGS = poisonWord
	bb.DFlag = poisonWord
	bb.EIP = poisonWord
	for i := range bb.Seg {
		bb.Seg[i] = uint16(poisonWord & 0xFFFF)
	}
	for i := range bb.FPU {
		bb.FPU[i] = 0xAA
	}
	bb.LDT = nil
	bb.TLS = nil
	for i := range bb.Spill {
		bb.Spill[i] = poisonWord
	}
	bb.resident = NoThread
}

// ReadArch/WriteArch give GET/PUT emission in frontend and interpretation
// in backend a single point of truth for architectural-register access,
// mirroring getReg32/setReg32 in the teacher's cpu_x86.go.
func (bb *BaseBlock) ReadArch(r ucode.ArchRegId) uint32 { return bb.GPR[r] }
func (bb *BaseBlock) WriteArch(r ucode.ArchRegId, v uint32) {
	bb.GPR[r] = v
	bb.ShadowGPR[r] = v
}
