package frontend

import "github.com/vex86/coregrind-go/ucode"

// aluOp pairs the primary-opcode ALU group (bits 5-3 of 0x00-0x3D) with
// its UCode opcode and flag read/write annotations (spec.md §4.1 point 3).
type aluOp struct {
	op             ucode.Opcode
	flagsRead      ucode.FlagBit
	flagsWritten   ucode.FlagBit
	flagsUndef     ucode.FlagBit
	discardsResult bool // CMP: compute flags, do not write back
}

var aluTable = [8]aluOp{
	{op: ucode.ADD, flagsWritten: ucode.FlagAll},
	{op: ucode.OR, flagsWritten: ucode.FlagZ | ucode.FlagS | ucode.FlagP, flagsUndef: ucode.FlagC | ucode.FlagA | ucode.FlagO},
	{op: ucode.ADC, flagsRead: ucode.FlagC, flagsWritten: ucode.FlagAll},
	{op: ucode.SBB, flagsRead: ucode.FlagC, flagsWritten: ucode.FlagAll},
	{op: ucode.AND, flagsWritten: ucode.FlagZ | ucode.FlagS | ucode.FlagP, flagsUndef: ucode.FlagC | ucode.FlagA | ucode.FlagO},
	{op: ucode.SUB, flagsWritten: ucode.FlagAll},
	{op: ucode.XOR, flagsWritten: ucode.FlagZ | ucode.FlagS | ucode.FlagP, flagsUndef: ucode.FlagC | ucode.FlagA | ucode.FlagO},
	{op: ucode.CMP, flagsWritten: ucode.FlagAll, discardsResult: true},
}

// decodeAluPrimary handles the 0x00-0x3D ALU-group encodings: r/m,r /
// r,r/m / AL,imm8 / eAX,imm32 forms, selected by the low 3 bits of the
// opcode (spec.md §4.1 point 3's arithmetic/logic op + flag annotation).
func (d *decoder) decodeAluPrimary(op byte, pfx prefixState) {
	group := aluTable[(op>>3)&7]
	form := op & 0x7

	var val, other int
	var target rmOperand
	var size ucode.Size = ucode.Size4

	switch form {
	case 0, 1: // r/m, r  (0: byte, 1: dword)
		if form == 0 {
			size = ucode.Size1
		}
		mod, reg, rm := d.fetchModRM()
		target = d.decodeRM(mod, rm, pfx)
		val = d.readRM(target, size)
		other = d.block.NewTemp()
		d.emitGetArch(other, archReg32[reg])
		d.emitAlu(group, size, other, val)
		if !group.discardsResult {
			d.writeRM(target, size, val)
		}
		return
	case 2, 3: // r, r/m
		if form == 2 {
			size = ucode.Size1
		}
		mod, reg, rm := d.fetchModRM()
		src := d.decodeRM(mod, rm, pfx)
		val = d.readRM(src, size)
		other = d.block.NewTemp()
		d.emitGetArch(other, archReg32[reg])
		d.emitAlu(group, size, val, other)
		if !group.discardsResult {
			d.emit(ucode.UInstr{Op: ucode.PUT, Size: size,
				Arg1: ucode.TempOperand(other), Arg2: ucode.ArchOperand(archReg32[reg])})
		}
		return
	case 4: // AL, imm8
		imm := uint32(d.fetch8())
		val = d.block.NewTemp()
		d.emitGetArch(val, ucode.ArchEAX)
		d.emitAluImm(group, ucode.Size1, val, imm)
		if !group.discardsResult {
			d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size1,
				Arg1: ucode.TempOperand(val), Arg2: ucode.ArchOperand(ucode.ArchEAX)})
		}
		return
	case 5: // eAX, imm32
		imm := d.fetch32()
		val = d.block.NewTemp()
		d.emitGetArch(val, ucode.ArchEAX)
		d.emitAluImm(group, ucode.Size4, val, imm)
		if !group.discardsResult {
			d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
				Arg1: ucode.TempOperand(val), Arg2: ucode.ArchOperand(ucode.ArchEAX)})
		}
		return
	}
}

func (d *decoder) emitAlu(g aluOp, size ucode.Size, src, dst int) {
	d.emit(ucode.UInstr{Op: g.op, Size: size,
		Arg1: ucode.TempOperand(src), Arg2: ucode.TempOperand(dst),
		FlagsRead: g.flagsRead, FlagsWritten: g.flagsWritten, FlagsUndef: g.flagsUndef})
}

func (d *decoder) emitAluImm(g aluOp, size ucode.Size, dst int, imm uint32) {
	d.emit(ucode.UInstr{Op: g.op, Size: size,
		Arg1: ucode.LitOperand(imm), Arg2: ucode.TempOperand(dst),
		FlagsRead: g.flagsRead, FlagsWritten: g.flagsWritten, FlagsUndef: g.flagsUndef})
}

// decodeGrp1 handles opcodes 0x80/0x81/0x83: imm-to-r/m ALU, selected by
// the ModR/M reg field rather than the primary opcode.
func (d *decoder) decodeGrp1(op byte, pfx prefixState) {
	mod, reg, rm := d.fetchModRM()
	target := d.decodeRM(mod, rm, pfx)
	size := ucode.Size4
	if op == 0x80 {
		size = ucode.Size1
	}

	var imm uint32
	switch op {
	case 0x80:
		imm = uint32(d.fetch8())
	case 0x81:
		imm = d.fetch32()
	case 0x83:
		imm = uint32(int32(int8(d.fetch8())))
	}

	g := aluTable[reg&7]
	val := d.readRM(target, size)
	d.emitAluImm(g, size, val, imm)
	if !g.discardsResult {
		d.writeRM(target, size, val)
	}
}

// decodeGrp2 handles opcodes 0xC1/0xD1/0xD3: shift/rotate group,
// selected by ModR/M reg field; 0xD3 shifts by %cl per spec.md §4.2's
// "%cl for shift counts" restriction, carried here as a CCALL-free GET
// of ECX since the decoder only has to describe semantics, not the
// codegen restriction (that lives in backend).
func (d *decoder) decodeGrp2(op byte, pfx prefixState) {
	mod, reg, rm := d.fetchModRM()
	target := d.decodeRM(mod, rm, pfx)
	size := ucode.Size4

	var count uint32
	var countTemp int
	useTemp := false
	switch op {
	case 0xD1:
		count = 1
	case 0xC1:
		count = uint32(d.fetch8()) & 0x1F
	case 0xD3:
		useTemp = true
		countTemp = d.block.NewTemp()
		d.emitGetArch(countTemp, ucode.ArchECX)
	}

	shiftOps := map[byte]ucode.Opcode{0: ucode.ROL, 1: ucode.ROR, 2: ucode.RCL, 3: ucode.RCR,
		4: ucode.SHL, 5: ucode.SHR, 6: ucode.SHL, 7: ucode.SAR}
	sop := shiftOps[reg&7]

	val := d.readRM(target, size)
	instr := ucode.UInstr{Op: sop, Size: size, Arg2: ucode.TempOperand(val),
		FlagsWritten: ucode.FlagC | ucode.FlagO, FlagsUndef: ucode.FlagA}
	if useTemp {
		instr.Arg1 = ucode.TempOperand(countTemp)
	} else {
		instr.Arg1 = ucode.LitOperand(count)
	}
	d.emit(instr)
	d.writeRM(target, size, val)
}

// decodeGrp3 handles opcodes 0xF6/0xF7: test/not/neg/mul/imul/div/idiv,
// selected by ModR/M reg field. Division and wide multiplication lower
// to a checked-helper CCALL per spec.md §4.2 "Division"/codegen policy.
func (d *decoder) decodeGrp3(op byte, pfx prefixState) {
	mod, reg, rm := d.fetchModRM()
	target := d.decodeRM(mod, rm, pfx)
	size := ucode.Size4
	if op == 0xF6 {
		size = ucode.Size1
	}

	switch reg & 7 {
	case 0, 1: // TEST r/m, imm
		var imm uint32
		if size == ucode.Size1 {
			imm = uint32(d.fetch8())
		} else {
			imm = d.fetch32()
		}
		val := d.readRM(target, size)
		d.emit(ucode.UInstr{Op: ucode.TEST, Size: size,
			Arg1: ucode.LitOperand(imm), Arg2: ucode.TempOperand(val),
			FlagsWritten: ucode.FlagZ | ucode.FlagS | ucode.FlagP,
			FlagsUndef:   ucode.FlagC | ucode.FlagA | ucode.FlagO})
	case 2: // NOT
		val := d.readRM(target, size)
		d.emit(ucode.UInstr{Op: ucode.NOT, Size: size, Arg2: ucode.TempOperand(val)})
		d.writeRM(target, size, val)
	case 3: // NEG
		val := d.readRM(target, size)
		d.emit(ucode.UInstr{Op: ucode.NEG, Size: size, Arg2: ucode.TempOperand(val),
			FlagsWritten: ucode.FlagAll})
		d.writeRM(target, size, val)
	case 4: // MUL
		val := d.readRM(target, size)
		eax := d.block.NewTemp()
		d.emitGetArch(eax, ucode.ArchEAX)
		d.emitCCallHelper(HelperMultiplyWide, ucode.TempOperand(val), ucode.TempOperand(eax))
	case 5: // IMUL
		val := d.readRM(target, size)
		eax := d.block.NewTemp()
		d.emitGetArch(eax, ucode.ArchEAX)
		d.emitCCallHelper(HelperIMultiplyWide, ucode.TempOperand(val), ucode.TempOperand(eax))
	case 6: // DIV
		val := d.readRM(target, size)
		d.emitCCallHelper(HelperDivide, ucode.TempOperand(val), ucode.NoOperand())
	case 7: // IDIV
		val := d.readRM(target, size)
		d.emitCCallHelper(HelperIDivide, ucode.TempOperand(val), ucode.NoOperand())
	}
}

func (d *decoder) decodePushReg(r ucode.ArchRegId) {
	val := d.block.NewTemp()
	d.emitGetArch(val, r)
	esp := d.block.NewTemp()
	d.emitGetArch(esp, ucode.ArchESP)
	d.emit(ucode.UInstr{Op: ucode.SUB, Size: ucode.Size4,
		Arg1: ucode.LitOperand(4), Arg2: ucode.TempOperand(esp), FlagsUndef: ucode.FlagAll})
	d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
		Arg1: ucode.TempOperand(esp), Arg2: ucode.ArchOperand(ucode.ArchESP)})
	d.emit(ucode.UInstr{Op: ucode.STORE, Size: ucode.Size4,
		Arg1: ucode.TempOperand(esp), Arg2: ucode.TempOperand(val)})
}

func (d *decoder) decodePopReg(r ucode.ArchRegId) {
	esp := d.block.NewTemp()
	d.emitGetArch(esp, ucode.ArchESP)
	val := d.block.NewTemp()
	d.emit(ucode.UInstr{Op: ucode.LOAD, Size: ucode.Size4,
		Arg1: ucode.TempOperand(esp), Arg2: ucode.TempOperand(val)})
	d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
		Arg1: ucode.TempOperand(val), Arg2: ucode.ArchOperand(r)})
	d.emit(ucode.UInstr{Op: ucode.ADD, Size: ucode.Size4,
		Arg1: ucode.LitOperand(4), Arg2: ucode.TempOperand(esp), FlagsUndef: ucode.FlagAll})
	d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
		Arg1: ucode.TempOperand(esp), Arg2: ucode.ArchOperand(ucode.ArchESP)})
}

func (d *decoder) decodeMovRegImm(r ucode.ArchRegId, imm uint32) {
	t := d.block.NewTemp()
	d.emitLoadLiteral(t, imm)
	d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
		Arg1: ucode.TempOperand(t), Arg2: ucode.ArchOperand(r)})
}

func (d *decoder) decodeIncDecReg(r ucode.ArchRegId, op ucode.Opcode) {
	t := d.block.NewTemp()
	d.emitGetArch(t, r)
	d.emit(ucode.UInstr{Op: op, Size: ucode.Size4, Arg2: ucode.TempOperand(t),
		FlagsWritten: ucode.FlagZ | ucode.FlagS | ucode.FlagO | ucode.FlagP | ucode.FlagA})
	d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
		Arg1: ucode.TempOperand(t), Arg2: ucode.ArchOperand(r)})
}

// decodeStringMove handles MOVSB/MOVSD, including the REP-prefixed form
// (spec.md §4.1 point 5: "string ops under REP" dispatch to a registered
// helper; spec.md §8 boundary test requires "REP MOVSB with ECX=0 ⇒ no
// memory accesses, zero iterations", which the helper itself honors).
func (d *decoder) decodeStringMove(op byte, pfx prefixState) {
	helper := HelperStringOp
	if op == 0xA4 {
		helper = HelperStringOpByte
	}
	esi := d.block.NewTemp()
	edi := d.block.NewTemp()
	ecx := d.block.NewTemp()
	d.emitGetArch(esi, ucode.ArchESI)
	d.emitGetArch(edi, ucode.ArchEDI)
	if pfx.repKind != 0 {
		d.emitGetArch(ecx, ucode.ArchECX)
	} else {
		d.emitLoadLiteral(ecx, 1)
	}
	// The REP count has to reach the helper through an architectural
	// register rather than a third CCALL argument: CCALL only carries
	// two live-value operands (see its allowedTags entry), and the
	// byte/dword distinction is carried by helper selection instead, the
	// same way HelperDivide/HelperIDivide split on signedness.
	d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
		Arg1: ucode.TempOperand(ecx), Arg2: ucode.ArchOperand(ucode.ArchECX)})
	d.emitCCallHelper(helper, ucode.TempOperand(esi), ucode.TempOperand(edi))
}

func (d *decoder) emitCCallHelper(h HelperID, a1, a2 ucode.Operand) {
	d.emit(ucode.UInstr{Op: ucode.CCALL, Size: ucode.Size4,
		Arg1: ucode.LitOperand(uint32(h)), Arg2: a1, Arg3: a2, HelperID: int(h)})
}

func jccCond(nibble byte) ucode.CondCode {
	table := [16]ucode.CondCode{
		ucode.CondO, ucode.CondNO, ucode.CondB, ucode.CondNB,
		ucode.CondZ, ucode.CondNZ, ucode.CondBE, ucode.CondNBE,
		ucode.CondS, ucode.CondNS, ucode.CondP, ucode.CondNP,
		ucode.CondL, ucode.CondNL, ucode.CondLE, ucode.CondNLE,
	}
	return table[nibble]
}

func (d *decoder) emitBoringJump(target uint32) {
	d.emit(ucode.UInstr{Op: ucode.JMP, Jump: ucode.JumpBoring, Arg1: ucode.LitOperand(target)})
}

func (d *decoder) emitConditionalJump(cond ucode.CondCode, takenTarget, fallthroughTarget uint32) {
	d.emit(ucode.UInstr{Op: ucode.JCC, Cond: cond, Jump: ucode.JumpBoring,
		Arg1: ucode.LitOperand(takenTarget), FlagsRead: condFlagsFor(cond)})
	d.emit(ucode.UInstr{Op: ucode.JMP, Jump: ucode.JumpBoring, Arg1: ucode.LitOperand(fallthroughTarget)})
}

func condFlagsFor(c ucode.CondCode) ucode.FlagBit {
	switch c {
	case ucode.CondO, ucode.CondNO:
		return ucode.FlagO
	case ucode.CondB, ucode.CondNB:
		return ucode.FlagC
	case ucode.CondZ, ucode.CondNZ:
		return ucode.FlagZ
	case ucode.CondBE, ucode.CondNBE:
		return ucode.FlagC | ucode.FlagZ
	case ucode.CondS, ucode.CondNS:
		return ucode.FlagS
	case ucode.CondP, ucode.CondNP:
		return ucode.FlagP
	case ucode.CondL, ucode.CondNL:
		return ucode.FlagS | ucode.FlagO
	case ucode.CondLE, ucode.CondNLE:
		return ucode.FlagS | ucode.FlagO | ucode.FlagZ
	}
	return 0
}

func (d *decoder) emitCallJump(target uint32) {
	d.emit(ucode.UInstr{Op: ucode.JMP, Jump: ucode.JumpCall, Arg1: ucode.LitOperand(target)})
}

func (d *decoder) emitReturnJump() {
	esp := d.block.NewTemp()
	d.emitGetArch(esp, ucode.ArchESP)
	ret := d.block.NewTemp()
	d.emit(ucode.UInstr{Op: ucode.LOAD, Size: ucode.Size4,
		Arg1: ucode.TempOperand(esp), Arg2: ucode.TempOperand(ret)})
	d.emit(ucode.UInstr{Op: ucode.ADD, Size: ucode.Size4,
		Arg1: ucode.LitOperand(4), Arg2: ucode.TempOperand(esp), FlagsUndef: ucode.FlagAll})
	d.emit(ucode.UInstr{Op: ucode.PUT, Size: ucode.Size4,
		Arg1: ucode.TempOperand(esp), Arg2: ucode.ArchOperand(ucode.ArchESP)})
	d.emit(ucode.UInstr{Op: ucode.JMP, Jump: ucode.JumpReturn, Arg1: ucode.TempOperand(ret)})
}

// emitSyscallJump lowers `int $0x80` per spec.md §4.1 point 8: "emitted
// as JMP eip_next with jumpkind Syscall".
func (d *decoder) emitSyscallJump() {
	d.emit(ucode.UInstr{Op: ucode.JMP, Jump: ucode.JumpSyscall,
		Arg1: ucode.LitOperand(d.base + uint32(d.off))})
}

// emitClientRequest lowers the magic sequence per spec.md §4.1 point 7.
// The scheduler recovers the request packet from the simulated EAX at
// dispatch time; the decoder only needs to mark the jump kind.
func (d *decoder) emitClientRequest() {
	d.emit(ucode.UInstr{Op: ucode.JMP, Jump: ucode.JumpClientReq,
		Arg1: ucode.LitOperand(d.base + uint32(d.off))})
}

// emitUndefined synthesizes the "undefined instruction" trap per
// spec.md §4.1 point 9 / §7: non-fatal, raises a guest SIGILL via the
// registered helper, then jumps to the next PC.
func (d *decoder) emitUndefined() {
	d.emit(ucode.UInstr{Op: ucode.UNDEFOP, HelperID: int(HelperUndefinedInstruction),
		Arg1: ucode.LitOperand(d.base)})
	d.emit(ucode.UInstr{Op: ucode.JMP, Jump: ucode.JumpBoring,
		Arg1: ucode.LitOperand(d.base + uint32(d.off))})
}
