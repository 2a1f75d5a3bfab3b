// Package frontend implements the x86-to-UCode decoder (spec.md §4.1):
// a flat switch over the primary opcode byte with separate handling for
// the two-byte (0x0F) escape space, reading a contiguous run of guest
// bytes and emitting a ucode.Block. Grounded in the teacher's cpu_x86.go
// fetch/ModRM machinery, generalized from "decode and execute
// immediately" to "decode and emit UCode for later codegen".
package frontend

import (
	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/plugin"
	"github.com/vex86/coregrind-go/ucode"
)

// MaxBlockBytes bounds one gBB's size; the decoder synthesizes an
// unconditional JMP to the next PC past this threshold to bound
// translation units (spec.md §4.1 contract).
const MaxBlockBytes = 2000

// HelperID names the registered helpers the decoder emits CCALLs
// against, resolved to base-block slots by the plugin/helper table.
type HelperID int

const (
	HelperUndefinedInstruction HelperID = iota
	HelperDivide
	HelperIDivide
	HelperMultiplyWide
	HelperIMultiplyWide
	HelperCPUID
	HelperRDTSC
	HelperBCDFixup
	HelperFPUStateGet
	HelperFPUStatePut
	HelperStringOp
	HelperStringOpByte
	HelperSegBase
)

// Config carries the decoder settings for spec.md §9's INCEIP-merging
// open question and the plugin's capabilities. Decode does not read
// either field: it always emits one INCEIP per guest instruction.
type Config struct {
	MergeIncEip        bool
	PluginCapabilities plugin.Capabilities
}

type decoder struct {
	mem   core.GuestMemory
	base  uint32 // guest address the gBB started at
	off   int    // bytes consumed so far, relative to base
	block *ucode.Block
	cfg   Config
}

// Decode translates the guest basic block beginning at pc into a UCode
// block, per the contract in spec.md §4.1: ends at the first
// unconditional control transfer, or after MaxBlockBytes.
func Decode(mem core.GuestMemory, pc uint32, cfg Config) (*ucode.Block, error) {
	d := &decoder{mem: mem, base: pc, block: ucode.NewBlock(pc), cfg: cfg}

	for {
		instrStart := d.off
		pfx := d.scanPrefixes()
		if pfx.lock {
			d.emit(ucode.UInstr{Op: ucode.LOCKPFX})
		}

		done, err := d.decodeOne(pfx, instrStart)
		if err != nil {
			return nil, err
		}

		incEip := ucode.UInstr{Op: ucode.INCEIP, GuestLen: d.off - instrStart}
		if done {
			// Keep the terminating JMP last: the INCEIP goes just before it.
			n := len(d.block.Instrs)
			last := d.block.Instrs[n-1]
			d.block.Instrs[n-1] = incEip
			d.block.Emit(last)
			break
		}
		d.emit(incEip)
		if d.off >= MaxBlockBytes {
			d.emitBoringJump(d.base + uint32(d.off))
			break
		}
	}

	d.block.OrigSize = d.off
	if err := d.block.Validate(); err != nil {
		return nil, err
	}
	if err := AllocateRegisters(d.block); err != nil {
		return nil, err
	}
	return d.block, nil
}

func (d *decoder) emit(i ucode.UInstr) { d.block.Emit(i) }

func (d *decoder) peek8() byte  { return d.mem.Read8(d.base + uint32(d.off)) }
func (d *decoder) fetch8() byte { b := d.peek8(); d.off++; return b }
func (d *decoder) fetch16() uint16 {
	v := d.mem.Read16(d.base + uint32(d.off))
	d.off += 2
	return v
}
func (d *decoder) fetch32() uint32 {
	v := d.mem.Read32(d.base + uint32(d.off))
	d.off += 4
	return v
}

// decodeOne decodes exactly one guest instruction (prefixes already
// consumed) and reports whether it ends the gBB. instrStart is the
// offset, relative to the gBB's base, the instruction's first prefix
// byte (if any) was fetched from -- needed so the FPU/SSE opaque group
// below can recover the instruction's full raw encoding.
func (d *decoder) decodeOne(pfx prefixState, instrStart int) (done bool, err error) {
	// Client-request recognition takes precedence: the six-instruction
	// EAX-rotation magic sequence is matched against raw bytes before
	// falling into the generic opcode switch (spec.md §4.1 point 7).
	if n, ok := matchClientRequestMagic(d.mem, d.base+uint32(d.off)); ok {
		d.off += n
		d.emitClientRequest()
		return true, nil
	}

	op := d.fetch8()

	switch {
	case op == 0xCD: // INT imm8
		imm := d.fetch8()
		if imm == 0x80 {
			d.emitSyscallJump()
			return true, nil
		}
		d.emitUndefined()
		return true, nil

	case op == 0x0F:
		return d.decodeTwoByte(pfx, instrStart)

	case op >= 0xD8 && op <= 0xDF: // x87 FPU escape group
		d.decodeFpuEscape(instrStart)
		return false, nil

	case op == 0xC3: // RET near
		d.emitReturnJump()
		return true, nil

	case op == 0xE8: // CALL rel32
		rel := int32(d.fetch32())
		target := uint32(int32(d.base) + int32(d.off) + rel)
		d.emitCallJump(target)
		return true, nil

	case op == 0xE9: // JMP rel32
		rel := int32(d.fetch32())
		target := uint32(int32(d.base) + int32(d.off) + rel)
		d.emitBoringJump(target)
		return true, nil

	case op == 0xEB: // JMP rel8
		rel := int32(int8(d.fetch8()))
		target := uint32(int32(d.base) + int32(d.off) + rel)
		d.emitBoringJump(target)
		return true, nil

	case op >= 0x70 && op <= 0x7F: // Jcc rel8
		cond := jccCond(op & 0xF)
		rel := int32(int8(d.fetch8()))
		target := uint32(int32(d.base) + int32(d.off) + rel)
		fallthroughTarget := d.base + uint32(d.off)
		d.emitConditionalJump(cond, target, fallthroughTarget)
		return true, nil

	case op == 0x90: // NOP
		return false, nil

	case op == 0x50, op == 0x51, op == 0x52, op == 0x53, op == 0x54, op == 0x55, op == 0x56, op == 0x57:
		d.decodePushReg(archReg32[op&7])
		return false, nil

	case op == 0x58, op == 0x59, op == 0x5A, op == 0x5B, op == 0x5C, op == 0x5D, op == 0x5E, op == 0x5F:
		d.decodePopReg(archReg32[op&7])
		return false, nil

	case op >= 0xB8 && op <= 0xBF: // MOV r32, imm32
		imm := d.fetch32()
		d.decodeMovRegImm(archReg32[op&7], imm)
		return false, nil

	case op == 0x89: // MOV r/m32, r32
		mod, reg, rm := d.fetchModRM()
		target := d.decodeRM(mod, rm, pfx)
		src := d.block.NewTemp()
		d.emitGetArch(src, archReg32[reg])
		d.writeRM(target, ucode.Size4, src)
		return false, nil

	case op == 0x8B: // MOV r32, r/m32
		mod, reg, rm := d.fetchModRM()
		src := d.decodeRM(mod, rm, pfx)
		val := d.readRM(src, ucode.Size4)
		d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
			Arg1: ucode.TempOperand(val), Arg2: ucode.ArchOperand(archReg32[reg])})
		return false, nil

	case op == 0x8D: // LEA r32, m
		mod, reg, rm := d.fetchModRM()
		src := d.decodeRM(mod, rm, pfx)
		if src.isReg {
			d.emitUndefined()
			return true, nil
		}
		d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
			Arg1: ucode.TempOperand(src.addrTemp), Arg2: ucode.ArchOperand(archReg32[reg])})
		return false, nil

	case op >= 0x00 && op <= 0x3D && isAluPrimary(op):
		d.decodeAluPrimary(op, pfx)
		return false, nil

	case op == 0x80, op == 0x81, op == 0x83: // Grp1: imm-to-r/m ALU
		d.decodeGrp1(op, pfx)
		return false, nil

	case op == 0xF6, op == 0xF7: // Grp3: test/not/neg/mul/imul/div/idiv
		d.decodeGrp3(op, pfx)
		return false, nil

	case op == 0xC1, op == 0xD1, op == 0xD3: // Grp2: shift/rotate
		d.decodeGrp2(op, pfx)
		return false, nil

	case op == 0x40, op == 0x41, op == 0x42, op == 0x43, op == 0x44, op == 0x45, op == 0x46, op == 0x47:
		d.decodeIncDecReg(archReg32[op&7], ucode.INC)
		return false, nil

	case op == 0x48, op == 0x49, op == 0x4A, op == 0x4B, op == 0x4C, op == 0x4D, op == 0x4E, op == 0x4F:
		d.decodeIncDecReg(archReg32[op&7], ucode.DEC)
		return false, nil

	case op == 0xA4, op == 0xA5: // MOVSB/MOVSD, under REP via CCALL helper
		d.decodeStringMove(op, pfx)
		return false, nil

	case op == 0xCC: // INT3 - treated as undefined-instruction trap target
		d.emitUndefined()
		return true, nil

	default:
		d.emitUndefined()
		return true, nil
	}
}

func (d *decoder) decodeTwoByte(pfx prefixState, instrStart int) (bool, error) {
	op := d.fetch8()
	if op >= 0x80 && op <= 0x8F { // Jcc rel32
		cond := jccCond(op & 0xF)
		rel := int32(d.fetch32())
		target := uint32(int32(d.base) + int32(d.off) + rel)
		fallthroughTarget := d.base + uint32(d.off)
		d.emitConditionalJump(cond, target, fallthroughTarget)
		return true, nil
	}
	if op == 0xA2 { // CPUID
		d.emitCCallHelper(HelperCPUID, ucode.NoOperand(), ucode.NoOperand())
		return false, nil
	}
	if op == 0x31 { // RDTSC
		dst := d.block.NewTemp()
		d.emitCCallHelper(HelperRDTSC, ucode.NoOperand(), ucode.TempOperand(dst))
		d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
			Arg1: ucode.TempOperand(dst), Arg2: ucode.ArchOperand(ucode.ArchEAX)})
		return false, nil
	}
	if pfx.opSize16 || pfx.repKind != 0 { // SSE-prefixed (0x66/0xF2/0xF3) two-byte escape
		return d.decodeSSEOp(op, instrStart)
	}
	d.emitUndefined()
	return true, nil
}

// decodeFpuEscape handles the x87 0xD8-0xDF escape space (spec.md §4.1
// point 1) as an opaque FPUOP carrying the original bytes (spec.md §9
// "FPU/SSE state"). The ModR/M byte still has to be consumed correctly
// so the gBB's byte accounting and the following instruction's fetch
// position stay right, even though its address isn't separately
// materialized here.
func (d *decoder) decodeFpuEscape(instrStart int) {
	mod, _, rm := d.fetchModRM()
	touchesMemory := d.skipModRMBytes(mod, rm)
	d.emitFpuOp(instrStart, touchesMemory)
}

// decodeSSEOp handles the SSE-prefixed (0x66/0xF2/0xF3 + 0x0F) escape
// space the same opaque way as decodeFpuEscape (spec.md §4.1 point 1).
func (d *decoder) decodeSSEOp(op byte, instrStart int) (bool, error) {
	mod, _, rm := d.fetchModRM()
	touchesMemory := d.skipModRMBytes(mod, rm)
	d.emitFpuOp(instrStart, touchesMemory)
	return false, nil
}

// emitFpuOp emits an opaque FPUOP carrying the raw bytes from instrStart
// (prefixes included) through the end of the ModR/M(+SIB+disp) group
// just consumed, bracketed by the FPU/SSE state helpers only when the
// operand turned out to be memory (spec.md §9: "bracketed by
// get_fpu_state/put_fpu_state when the operation reads or writes FPU
// memory operands").
func (d *decoder) emitFpuOp(instrStart int, touchesMemory bool) {
	if touchesMemory {
		d.emitCCallHelper(HelperFPUStateGet, ucode.NoOperand(), ucode.NoOperand())
	}
	d.emit(ucode.UInstr{Op: ucode.FPUOP, Size: ucode.Size16, FpuOpcodeBytes: d.rawBytes(instrStart)})
	if touchesMemory {
		d.emitCCallHelper(HelperFPUStatePut, ucode.NoOperand(), ucode.NoOperand())
	}
}

// skipModRMBytes advances past whatever SIB/displacement bytes a
// ModR/M encoding requires, mirroring decodeRM's byte-layout rules,
// without materializing an address temp: the FPU/SSE opaque group
// replays its own raw bytes rather than re-expressing addressing in
// UCode, so only the instruction's length and memory-vs-register shape
// matter here.
func (d *decoder) skipModRMBytes(mod, rm byte) (isMemory bool) {
	if mod == 3 {
		return false
	}
	if rm == 4 {
		sib := d.fetch8()
		base := sib & 7
		if base == 5 && mod == 0 {
			d.fetch32()
		}
	} else if rm == 5 && mod == 0 {
		d.fetch32()
	}
	switch mod {
	case 1:
		d.fetch8()
	case 2:
		d.fetch32()
	}
	return true
}

// rawBytes returns the guest bytes consumed since from, relative to the
// gBB's base -- the full raw encoding of one instruction, prefixes
// included, for the FPU/SSE opaque group to carry verbatim.
func (d *decoder) rawBytes(from int) []byte {
	n := d.off - from
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		b[i] = d.mem.Read8(d.base + uint32(from+i))
	}
	return b
}

func isAluPrimary(op byte) bool {
	low := op & 0x7
	return low <= 5 && (op>>3) <= 7
}
