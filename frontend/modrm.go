package frontend

import "github.com/vex86/coregrind-go/ucode"

// archReg32 maps a ModR/M reg/rm field (0-7) to its 32-bit architectural
// register, the same encoding the teacher's cpu_x86.go getReg32/setReg32
// use, kept here as a package-level table instead of a method on a live
// CPU since the decoder never executes anything.
var archReg32 = [8]ucode.ArchRegId{
	ucode.ArchEAX, ucode.ArchECX, ucode.ArchEDX, ucode.ArchEBX,
	ucode.ArchESP, ucode.ArchEBP, ucode.ArchESI, ucode.ArchEDI,
}

// rmOperand is the result of decoding one ModR/M(+SIB) byte group: either
// a direct architectural register (mod==3) or a memory operand whose
// effective address has already been materialized into addrTemp.
type rmOperand struct {
	isReg   bool
	reg     ucode.ArchRegId
	addrTemp int
}

// fetchModRM reads the ModR/M byte and splits its fields, mirroring
// cpu_x86.go's fetchModRM/getModRMMod/Reg/RM but as a one-shot decode
// since the decoder consumes bytes in a single forward pass.
func (d *decoder) fetchModRM() (mod, reg, rm byte) {
	b := d.fetch8()
	return (b >> 6) & 3, (b >> 3) & 7, b & 7
}

// decodeRM decodes the r/m operand of the current instruction, emitting
// the UCode needed to materialize a memory effective address into a
// fresh temp when mod != 3 (spec.md §4.1 point 4: "Compute address
// temporaries by full ModR/M+SIB decoding; special cases (mod=00 &
// r/m=101 literal, base=EBP requiring displacement, index=ESP meaning
// 'no index') are explicit").
func (d *decoder) decodeRM(mod, rm byte, pfx prefixState) rmOperand {
	if mod == 3 {
		return rmOperand{isReg: true, reg: archReg32[rm]}
	}

	addr := d.block.NewTemp()
	haveBase := true

	if rm == 4 {
		// SIB follows.
		sib := d.fetch8()
		scale := (sib >> 6) & 3
		index := (sib >> 3) & 7
		base := sib & 7

		if base == 5 && mod == 0 {
			disp := d.fetch32()
			d.emitLoadLiteral(addr, disp)
			haveBase = false
		} else {
			d.emitGetArch(addr, archReg32[base])
		}

		if index != 4 { // index==4 (ESP) means "no index"
			idx := d.block.NewTemp()
			d.emitGetArch(idx, archReg32[index])
			if scale != 0 {
				sh := d.block.NewTemp()
				d.emit(ucode.UInstr{Op: ucode.MOV, Size: ucode.Size4,
					Arg1: ucode.TempOperand(idx), Arg2: ucode.TempOperand(sh)})
				d.emit(ucode.UInstr{Op: ucode.SHL, Size: ucode.Size4,
					Arg1: ucode.LitOperand(uint32(scale)), Arg2: ucode.TempOperand(sh)})
				idx = sh
			}
			// addr holds either the base register or, with no base, the disp32.
			d.emit(ucode.UInstr{Op: ucode.ADD, Size: ucode.Size4,
				Arg1: ucode.TempOperand(idx), Arg2: ucode.TempOperand(addr),
				FlagsUndef: ucode.FlagAll})
		}
	} else if rm == 5 && mod == 0 {
		disp := d.fetch32()
		d.emitLoadLiteral(addr, disp)
		haveBase = false
	} else {
		d.emitGetArch(addr, archReg32[rm])
		if rm == 5 { // base==EBP requiring an explicit displacement read
			// handled uniformly below via the mod==1/2 displacement path
		}
	}

	switch mod {
	case 1:
		disp := int32(int8(d.fetch8()))
		d.addLiteralSigned(addr, disp)
	case 2:
		disp := int32(d.fetch32())
		d.addLiteralSigned(addr, disp)
	default:
		_ = haveBase
	}

	if pfx.segOverride != segNone {
		d.applySegOverride(addr, pfx.segOverride)
	}

	return rmOperand{addrTemp: addr}
}

// emitGetArch emits GET dst, ArchReg(r) — an architectural register read
// into a fresh temp.
func (d *decoder) emitGetArch(dst int, r ucode.ArchRegId) {
	d.emit(ucode.UInstr{Op: ucode.GET, Size: ucode.Size4,
		Arg1: ucode.ArchOperand(r), Arg2: ucode.TempOperand(dst)})
}

// emitLoadLiteral materializes a 32-bit literal into a temp via MOV.
func (d *decoder) emitLoadLiteral(dst int, v uint32) {
	d.emit(ucode.UInstr{Op: ucode.MOV, Size: ucode.Size4,
		Arg1: ucode.LitOperand(v), Arg2: ucode.TempOperand(dst)})
}

// addLiteralSigned emits `addr += disp` via ADD with a literal operand.
func (d *decoder) addLiteralSigned(addr int, disp int32) {
	if disp == 0 {
		return
	}
	d.emit(ucode.UInstr{Op: ucode.ADD, Size: ucode.Size4,
		Arg1: ucode.LitOperand(uint32(disp)), Arg2: ucode.TempOperand(addr),
		FlagsUndef: ucode.FlagAll})
}

// applySegOverride emits the explicit GETSEG/USESEG pair spec.md §4.1
// point 2 requires: the segment base, read from the LDT/TLS slot via a
// registered helper, is added onto the address temp.
func (d *decoder) applySegOverride(addr int, seg int) {
	segTemp := d.block.NewTemp()
	d.emit(ucode.UInstr{Op: ucode.GETSEG, Size: ucode.Size4,
		Arg1: ucode.LitOperand(uint32(seg)), Arg2: ucode.TempOperand(segTemp)})
	d.emit(ucode.UInstr{Op: ucode.USESEG, Size: ucode.Size4,
		Arg1: ucode.TempOperand(segTemp), Arg2: ucode.TempOperand(addr)})
}

// readRM emits the UCode to bring the r/m operand's value into a fresh
// temp: a GET for a register operand, a LOAD through the address temp
// for memory.
func (d *decoder) readRM(op rmOperand, size ucode.Size) int {
	val := d.block.NewTemp()
	if op.isReg {
		d.emitGetArch(val, op.reg)
	} else {
		d.emit(ucode.UInstr{Op: ucode.LOAD, Size: size,
			Arg1: ucode.TempOperand(op.addrTemp), Arg2: ucode.TempOperand(val)})
	}
	return val
}

// writeRM emits the UCode to store a temp's value back to the r/m
// operand: PUT for a register, STORE for memory.
func (d *decoder) writeRM(op rmOperand, size ucode.Size, src int) {
	if op.isReg {
		d.emit(ucode.UInstr{Op: ucode.PUT, Size: size,
			Arg1: ucode.TempOperand(src), Arg2: ucode.ArchOperand(op.reg)})
	} else {
		d.emit(ucode.UInstr{Op: ucode.STORE, Size: size,
			Arg1: op.addrTempOperand(), Arg2: ucode.TempOperand(src)})
	}
}

func (op rmOperand) addrTempOperand() ucode.Operand { return ucode.TempOperand(op.addrTemp) }
