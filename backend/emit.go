package backend

import (
	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/errs"
	"github.com/vex86/coregrind-go/ucode"
)

// hostScratch is the host register every emit_* helper uses as its
// primary accumulator. The allocator never assigns RealReg to anything
// but the six general-purpose temps it owns, so EAX is always free to
// round-trip a UInstr's operands through.
const hostScratch = regEAX

// emitUInstr lowers one UInstr, dispatching on Op the same way the
// teacher's cpu_x86_ops.go dispatches a decoded x86 opcode to its
// execute_* handler -- one flat switch, not a handler-object hierarchy.
func (c *Codegen) emitUInstr(u *ucode.UInstr) error {
	switch u.Op {
	case ucode.NOP, ucode.LOCKPFX:
		return nil

	case ucode.GET:
		return c.emitGet(u)
	case ucode.PUT:
		return c.emitPut(u)
	case ucode.GETF:
		return c.emitGetFlags(u)
	case ucode.PUTF:
		return c.emitPutFlags(u)
	case ucode.GETSEG:
		return c.emitHelperCall(segBaseHelperSlot, u.Arg2)
	case ucode.USESEG:
		return c.emitHelperCall(segBaseHelperSlot, u.Arg2)

	case ucode.LOAD:
		return c.emitLoad(u)
	case ucode.STORE:
		return c.emitStore(u)

	case ucode.MOV:
		return c.emitMov(u)

	case ucode.ADD, ucode.SUB, ucode.ADC, ucode.SBB, ucode.AND, ucode.OR, ucode.XOR, ucode.CMP:
		return c.emitAluBinary(u)
	case ucode.NOT, ucode.NEG, ucode.INC, ucode.DEC:
		return c.emitAluUnary(u)
	case ucode.TEST:
		return c.emitTest(u)
	case ucode.SHL, ucode.SHR, ucode.SAR, ucode.ROL, ucode.ROR, ucode.RCL, ucode.RCR:
		return c.emitShiftRotate(u)
	case ucode.MUL, ucode.IMUL:
		return nil // lowered to CCALL by the decoder; never reaches codegen directly

	case ucode.WIDEN:
		return c.emitWiden(u)
	case ucode.CMOV:
		return c.emitCmov(u)

	case ucode.JMP:
		return c.emitJump(u)
	case ucode.JCC:
		return c.emitCondJump(u)

	case ucode.CCALL:
		return c.emitCCallInstr(u)
	case ucode.UNDEFOP:
		return c.emitHelperCall(u.HelperID, u.Arg1)
	case ucode.CLIENTREQ:
		return nil // recognized purely at jumpkind level; no bytes of its own

	case ucode.INCEIP:
		return c.emitIncEip(u)

	case ucode.FPUOP:
		c.emit(u.FpuOpcodeBytes...)
		return nil

	default:
		return errs.New(errs.KindInternal, "backend.emitUInstr", errs.ErrCodegenBadEncoding)
	}
}

// emitGet: dst := arch register's base-block slot.
func (c *Codegen) emitGet(u *ucode.UInstr) error {
	disp := fieldAddr(u.Arg1.Arch)
	if u.Arg2.Tag == ucode.RRegTag {
		c.emit(0x8B)
		c.emitModRMEbpDisp8Or32(realRegEncoding(u.Arg2.Real), disp)
		return nil
	}
	c.emit(0x8B)
	c.emitModRMEbpDisp8Or32(hostScratch, disp)
	return c.storeRegToOperand(hostScratch, u.Arg2)
}

// emitPut: arch register's base-block slot := src.
func (c *Codegen) emitPut(u *ucode.UInstr) error {
	disp := fieldAddr(u.Arg2.Arch)
	if u.Arg2.Arch == ucode.ArchESP && c.hooks.TracksStackPointer() {
		if err := c.loadOperandToReg(u.Arg1, hostScratch); err != nil {
			return err
		}
		return c.emitHelperCall(espAssignmentHelperSlot, ucode.NoOperand())
	}
	if u.Arg1.Tag == ucode.Literal || u.Arg1.Tag == ucode.Lit16 {
		c.emit(0xC7) // mov dword [ebp+disp], imm32
		c.emitModRMEbpDisp8Or32(0, disp)
		c.emit32(u.Arg1.Literal)
		return nil
	}
	if err := c.loadOperandToReg(u.Arg1, hostScratch); err != nil {
		return err
	}
	c.emit(0x89)
	c.emitModRMEbpDisp8Or32(hostScratch, disp)
	return nil
}

// espAssignmentHelperSlot/segBaseHelperSlot are fixed non-compact
// helper slots the plugin table reserves, per spec.md §9's ESP-tracking
// and segment-base design notes.
const (
	espAssignmentHelperSlot = 8
	segBaseHelperSlot       = 9
)

func (c *Codegen) emitGetFlags(u *ucode.UInstr) error {
	c.emit(0x9C) // pushfl
	if u.Arg1.Tag == ucode.RRegTag {
		c.emit(0x58 + realRegEncoding(u.Arg1.Real)) // pop realReg
		return nil
	}
	c.emit(0x58) // pop eax
	return c.storeRegToOperand(hostScratch, u.Arg1)
}

func (c *Codegen) emitPutFlags(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg1, hostScratch); err != nil {
		return err
	}
	c.emit(0x50) // push eax
	c.emit(0x9D) // popfl
	return nil
}

func (c *Codegen) emitLoad(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg1, regEBX); err != nil { // ebx holds the address
		return err
	}
	switch u.Size {
	case ucode.Size1:
		c.emit(0x0F, 0xB6, 0x03) // movzx eax, byte [ebx]
	case ucode.Size2:
		c.emit(0x0F, 0xB7, 0x03) // movzx eax, word [ebx]
	default:
		c.emit(0x8B, 0x03) // mov eax, [ebx]
	}
	return c.storeRegToOperand(hostScratch, u.Arg2)
}

func (c *Codegen) emitStore(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg2, hostScratch); err != nil {
		return err
	}
	if err := c.loadOperandToReg(u.Arg1, regEBX); err != nil { // ebx holds the address
		return err
	}
	switch u.Size {
	case ucode.Size1:
		c.emit(0x88, 0x03) // mov [ebx], al
	case ucode.Size2:
		c.emit(0x66, 0x89, 0x03) // mov [ebx], ax
	default:
		c.emit(0x89, 0x03) // mov [ebx], eax
	}
	return nil
}

func (c *Codegen) emitMov(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg1, hostScratch); err != nil {
		return err
	}
	return c.storeRegToOperand(hostScratch, u.Arg2)
}

// aluReg is the ModR/M "reg" field selecting the ALU operation within
// the primary 0x00-0x3D opcode group; the decoder's aluTable already
// indexes by this same value.
func aluReg(op ucode.Opcode) byte {
	switch op {
	case ucode.ADD:
		return 0
	case ucode.OR:
		return 1
	case ucode.ADC:
		return 2
	case ucode.SBB:
		return 3
	case ucode.AND:
		return 4
	case ucode.SUB:
		return 5
	case ucode.XOR:
		return 6
	case ucode.CMP:
		return 7
	}
	return 0
}

func (c *Codegen) emitAluBinary(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg2, hostScratch); err != nil {
		return err
	}
	if err := c.loadOperandToReg(u.Arg1, regEBX); err != nil {
		return err
	}
	// op eax, ebx -- primary-group opcode byte is (aluReg<<3)|1 for the
	// "r/m32, r32" form, ModR/M mod=11 (reg-direct) reg=ebx rm=eax.
	c.emit((aluReg(u.Op)<<3)|0x01, 0xC0|(regEBX<<3)|hostScratch)
	if u.Op == ucode.CMP {
		return nil
	}
	return c.storeRegToOperand(hostScratch, u.Arg2)
}

func (c *Codegen) emitAluUnary(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg2, hostScratch); err != nil {
		return err
	}
	switch u.Op {
	case ucode.NOT:
		c.emit(0xF7, 0xD0) // not eax
	case ucode.NEG:
		c.emit(0xF7, 0xD8) // neg eax
	case ucode.INC:
		c.emit(0x40) // inc eax
	case ucode.DEC:
		c.emit(0x48) // dec eax
	}
	return c.storeRegToOperand(hostScratch, u.Arg2)
}

func (c *Codegen) emitTest(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg2, hostScratch); err != nil {
		return err
	}
	if u.Arg1.Tag == ucode.Literal {
		c.emit(0xA9) // test eax, imm32
		c.emit32(u.Arg1.Literal)
		return nil
	}
	if err := c.loadOperandToReg(u.Arg1, regEBX); err != nil {
		return err
	}
	c.emit(0x85, 0xC0|(regEBX<<3)|hostScratch) // test eax, ebx
	return nil
}

// shiftExt is the Grp2 ModR/M "reg" field selecting rotate/shift kind.
func shiftExt(op ucode.Opcode) byte {
	switch op {
	case ucode.ROL:
		return 0
	case ucode.ROR:
		return 1
	case ucode.RCL:
		return 2
	case ucode.RCR:
		return 3
	case ucode.SHL:
		return 4
	case ucode.SHR:
		return 5
	case ucode.SAR:
		return 7
	}
	return 4
}

func (c *Codegen) emitShiftRotate(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg2, hostScratch); err != nil {
		return err
	}
	ext := shiftExt(u.Op)
	if u.Arg1.Tag == ucode.Literal {
		if u.Arg1.Literal == 1 {
			c.emit(0xD1, 0xC0|(ext<<3)|hostScratch)
			return c.storeRegToOperand(hostScratch, u.Arg2)
		}
		c.emit(0xC1, 0xC0|(ext<<3)|hostScratch, byte(u.Arg1.Literal))
		return c.storeRegToOperand(hostScratch, u.Arg2)
	}
	// Variable shift count: x86 only encodes it through CL.
	if err := c.loadOperandToReg(u.Arg1, regECX); err != nil {
		return err
	}
	c.emit(0xD3, 0xC0|(ext<<3)|hostScratch)
	return c.storeRegToOperand(hostScratch, u.Arg2)
}

func (c *Codegen) emitWiden(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg1, hostScratch); err != nil {
		return err
	}
	switch u.Size {
	case ucode.Size1:
		c.emit(0x0F, 0xBE, 0xC0) // movsx eax, al
	case ucode.Size2:
		c.emit(0x0F, 0xBF, 0xC0) // movsx eax, ax
	}
	return c.storeRegToOperand(hostScratch, u.Arg2)
}

// emitCmov lowers a conditional move by staging the destination-write
// bytes first (so their length is known), then emitting a short jump
// with the negated condition that skips exactly those bytes, and
// finally emitting the bytes -- the same "measure before branching"
// approach the teacher's assembler uses for its own forward jumps
// (assembler/ie32asm.go's label/fixup pass), specialized to a single
// known-length fixed skip instead of a two-pass label table.
func (c *Codegen) emitCmov(u *ucode.UInstr) error {
	if err := c.loadOperandToReg(u.Arg1, hostScratch); err != nil {
		return err
	}

	saved := c.code
	c.code = nil
	if err := c.storeRegToOperand(hostScratch, u.Arg2); err != nil {
		c.code = saved
		return err
	}
	storeBytes := c.code
	c.code = saved

	if len(storeBytes) > 127 {
		return errs.New(errs.KindInternal, "backend.emitCmov", errs.ErrCodegenBadEncoding)
	}
	c.emit(0x70|negatedJccNibble(u.Cond), byte(len(storeBytes)))
	c.emit(storeBytes...)
	return nil
}

func jccNibble(c ucode.CondCode) byte {
	switch c {
	case ucode.CondO:
		return 0x0
	case ucode.CondNO:
		return 0x1
	case ucode.CondB:
		return 0x2
	case ucode.CondNB:
		return 0x3
	case ucode.CondZ:
		return 0x4
	case ucode.CondNZ:
		return 0x5
	case ucode.CondBE:
		return 0x6
	case ucode.CondNBE:
		return 0x7
	case ucode.CondS:
		return 0x8
	case ucode.CondNS:
		return 0x9
	case ucode.CondP:
		return 0xA
	case ucode.CondNP:
		return 0xB
	case ucode.CondL:
		return 0xC
	case ucode.CondNL:
		return 0xD
	case ucode.CondLE:
		return 0xE
	case ucode.CondNLE:
		return 0xF
	}
	return 0x5 // CondNone: Validate's flag-coverage check skips it, and it encodes as NZ
}

// negatedJccNibble flips a condition's polarity; x86 pairs every
// condition code as (even, even|1) = (true, false), so XOR 1 negates.
func negatedJccNibble(c ucode.CondCode) byte { return jccNibble(c) ^ 1 }

func (c *Codegen) emitIncEip(u *ucode.UInstr) error {
	c.emit(0x81) // Grp1 imm32, /0 = ADD
	c.emitModRMEbpDisp8Or32(0, core.OffEIP.Slot())
	c.emit32(uint32(u.GuestLen))
	return nil
}
