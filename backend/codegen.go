// Package backend lowers a validated, register-allocated ucode.Block
// into host x86-32 machine code (spec.md §4.2). It is grounded in the
// teacher's assembler package (assembler/ie32asm.go): a flat byte buffer
// grown by append, one emit_* helper per instruction family, and a
// final fixup pass over recorded patch sites — generalized here from
// "assemble a textual program" to "assemble one UCode block into a
// relocatable host code buffer chained into the trace cache".
package backend

import (
	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/errs"
	"github.com/vex86/coregrind-go/plugin"
	"github.com/vex86/coregrind-go/ucode"
)

// initialBufferSize is the starting capacity of a translation's code
// buffer; doubled on overflow rather than grown to an exact fit, the
// same amortized-growth policy the teacher's assembler uses for `data`.
const initialBufferSize = 500

// PatchSite records where a chained jump's 32-bit field lives in the
// emitted buffer (a jmp's rel32, or under PositionIndependent the imm32
// of `mov eax, imm32`), so the trace cache can patch it in place once the
// target translation exists (spec.md §4.3 "chaining").
type PatchSite struct {
	Offset   int    // byte offset of the 32-bit field within Code
	TargetPC uint32 // guest PC the jump should eventually reach
	Kind     ucode.JumpKind
}

// Codegen accumulates one translation's host bytes plus its patch sites.
type Codegen struct {
	cfg     Config
	helpers *plugin.HelperTable
	hooks   plugin.EventHooks

	code    []byte
	patches []PatchSite
}

// Config adjusts codegen policy per spec.md §4.2/§9.
type Config struct {
	// PositionIndependent selects the "materialize literal target into
	// EAX then ret" jump-emission form (spec.md §4.2 "position
	// independence") instead of a direct rel32 jump. The generated code
	// is then relocatable, and chaining rewrites the recorded imm32 in
	// place instead of a rel32 displacement.
	PositionIndependent bool
}

// New starts a codegen pass over one UCode block.
func New(cfg Config, helpers *plugin.HelperTable, hooks plugin.EventHooks) *Codegen {
	return &Codegen{cfg: cfg, helpers: helpers, hooks: hooks, code: make([]byte, 0, initialBufferSize)}
}

func (c *Codegen) emit(b ...byte) { c.code = append(c.code, b...) }

func (c *Codegen) emit32(v uint32) {
	c.emit(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (c *Codegen) emit16(v uint16) {
	c.emit(byte(v), byte(v>>8))
}

// Generate lowers every UInstr in b in order and returns the finished
// host code buffer and its unresolved patch sites.
func Generate(cfg Config, helpers *plugin.HelperTable, hooks plugin.EventHooks, b *ucode.Block) ([]byte, []PatchSite, error) {
	c := New(cfg, helpers, hooks)
	for i := range b.Instrs {
		if err := c.emitUInstr(&b.Instrs[i]); err != nil {
			return nil, nil, err
		}
	}
	return c.code, c.patches, nil
}

// fieldAddr returns the %ebp-relative displacement of an architectural
// register slot, used by every GET/PUT emission.
func fieldAddr(r ucode.ArchRegId) int {
	return [...]core.FieldOffset{
		core.OffEAX, core.OffECX, core.OffEDX, core.OffEBX,
		core.OffESP, core.OffEBP, core.OffESI, core.OffEDI,
	}[r].Slot()
}

// Host ModR/M register-field encodings, the fixed x86 numbering (not a
// design choice): every emit_* helper names registers through these
// constants instead of bare integers, the same way the teacher's
// assembler keeps a symbolic register table rather than inlining magic
// numbers at each call site.
const (
	regEAX = 0
	regECX = 1
	regEDX = 2
	regEBX = 3
	regESP = 4
	regEBP = 5
	regESI = 6
	regEDI = 7
)

// realRegEncoding maps a post-allocation RealReg to its ModR/M reg field
// value in the host encoding, matching ucode.RealReg's declared order
// (EAX, EBX, ECX, EDX, ESI, EDI).
func realRegEncoding(r ucode.RealReg) byte {
	return [...]byte{regEAX, regEBX, regECX, regEDX, regESI, regEDI}[r]
}

// operandDisp resolves an Operand that must name a %ebp-relative slot:
// a spilled temp (Spill area) or an architectural register (GPR area).
// RealReg/TempReg operands never reach here; they're encoded directly
// as a host register instead of a memory operand.
func operandDisp(op ucode.Operand) (int, bool) {
	switch op.Tag {
	case ucode.SpillNo:
		return core.OffTLSPtr.Slot() + 4 + op.Spill*4, true // spill area follows the hot region
	case ucode.ArchReg, ucode.ArchRegS:
		return fieldAddr(op.Arch), true
	default:
		return 0, false
	}
}

// emitModRMEbpDisp8Or32 emits a ModR/M byte plus displacement addressing
// %ebp+disp, choosing the 8-bit form when it fits (mirrors x86's own
// disp8/disp32 ModR/M economy, which the teacher's disassembler
// (debug_disasm_x86.go) also special-cases when printing).
func (c *Codegen) emitModRMEbpDisp8Or32(regField byte, disp int) {
	if disp >= -128 && disp <= 127 {
		c.emit(0x45 | (regField << 3)) // mod=01, rm=101 (EBP base, disp8)
		c.emit(byte(int8(disp)))
		return
	}
	c.emit(0x85 | (regField << 3)) // mod=10, rm=101 (EBP base, disp32)
	c.emit32(uint32(int32(disp)))
}

// loadOperandToReg emits the host code to bring op's value into the
// host register hostReg (used for operands the encoding needs in a
// register: CCALL argument staging, shift counts, etc).
func (c *Codegen) loadOperandToReg(op ucode.Operand, hostReg byte) error {
	switch op.Tag {
	case ucode.RRegTag:
		if realRegEncoding(op.Real) == hostReg {
			return nil
		}
		// mov hostReg, srcReg: 0x89 /r (source reg field, hostReg as r/m register-direct)
		c.emit(0x89, 0xC0|(realRegEncoding(op.Real)<<3)|hostReg)
		return nil
	case ucode.Literal, ucode.Lit16:
		c.emit(0xB8 + hostReg) // mov hostReg, imm32
		c.emit32(op.Literal)
		return nil
	case ucode.SpillNo, ucode.ArchReg, ucode.ArchRegS:
		disp, _ := operandDisp(op)
		c.emit(0x8B) // mov hostReg, [ebp+disp]
		c.emitModRMEbpDisp8Or32(hostReg, disp)
		return nil
	default:
		return errs.New(errs.KindInternal, "backend.loadOperandToReg", errs.ErrCodegenBadEncoding)
	}
}

// storeRegToOperand is loadOperandToReg's inverse: write a host
// register's value back to wherever op names (a spill slot, an
// architectural register slot, or nowhere for NoValue).
func (c *Codegen) storeRegToOperand(hostReg byte, op ucode.Operand) error {
	switch op.Tag {
	case ucode.NoValue:
		return nil
	case ucode.RRegTag:
		if realRegEncoding(op.Real) == hostReg {
			return nil
		}
		c.emit(0x89, 0xC0|(hostReg<<3)|realRegEncoding(op.Real))
		return nil
	case ucode.SpillNo, ucode.ArchReg, ucode.ArchRegS:
		disp, _ := operandDisp(op)
		c.emit(0x89) // mov [ebp+disp], hostReg
		c.emitModRMEbpDisp8Or32(hostReg, disp)
		return nil
	default:
		return errs.New(errs.KindInternal, "backend.storeRegToOperand", errs.ErrCodegenBadEncoding)
	}
}
