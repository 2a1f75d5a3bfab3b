package backend

import (
	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/errs"
	"github.com/vex86/coregrind-go/ucode"
)

// emitJump lowers a block's terminating JMP. A literal target goes
// through emitLiteralJump (which records a PatchSite for chaining); an
// indirect target (RET's popped return address, a CALL through a
// register, a computed jump) instead stages the target PC into EAX and
// returns control to the trace-cache dispatcher, which looks it up.
func (c *Codegen) emitJump(u *ucode.UInstr) error {
	if u.Arg1.Tag == ucode.Literal {
		return c.emitLiteralJump(u.Arg1.Literal, u.Jump)
	}
	if err := c.loadOperandToReg(u.Arg1, hostScratch); err != nil {
		return err
	}
	c.emit(0xC3) // ret: hand the guest target PC in eax back to the dispatcher
	return nil
}

// EBP sentinels left by a syscall or client-request exit; hostos's
// classifySentinel recognizes the same two values.
const (
	SentinelSyscall   uint32 = 0xFEED0001
	SentinelClientReq uint32 = 0xFEED0002
)

// emitLiteralJump is the position-independence policy point (spec.md
// §4.2/§9): when cfg.PositionIndependent, a literal-target jump becomes
// `mov eax, imm32; ret` with the immediate recorded as a PatchSite, so
// chaining rewrites the immediate rather than an in-place rel32 -- the
// generated code never needs to know its own load address. Otherwise a
// direct `jmp rel32` is emitted with the rel32 field as the patch site.
// A syscall or client-request exit first loads EBP with its sentinel.
func (c *Codegen) emitLiteralJump(target uint32, kind ucode.JumpKind) error {
	switch kind {
	case ucode.JumpSyscall:
		c.emit(0xBD) // mov ebp, imm32
		c.emit32(SentinelSyscall)
	case ucode.JumpClientReq:
		c.emit(0xBD) // mov ebp, imm32
		c.emit32(SentinelClientReq)
	}
	if c.cfg.PositionIndependent {
		c.emit(0xB8) // mov eax, imm32
		off := len(c.code)
		c.emit32(target)
		c.patches = append(c.patches, PatchSite{Offset: off, TargetPC: target, Kind: kind})
		c.emit(0xC3) // ret
		return nil
	}
	c.emit(0xE9) // jmp rel32
	off := len(c.code)
	c.emit32(0) // patched once the target translation's host address is known
	c.patches = append(c.patches, PatchSite{Offset: off, TargetPC: target, Kind: kind})
	return nil
}

// emitCondJump lowers a JCC by measuring the literal-jump sequence it
// would otherwise fall through to, then emitting a short jump with the
// negated condition that skips exactly that many bytes -- the same
// "measure, then branch over" technique emitCmov uses, rebasing any
// PatchSites the inner jump recorded by the length of the jcc prefix.
func (c *Codegen) emitCondJump(u *ucode.UInstr) error {
	savedCode, savedPatches := c.code, c.patches
	c.code, c.patches = nil, nil
	if err := c.emitLiteralJump(u.Arg1.Literal, ucode.JumpBoring); err != nil {
		c.code, c.patches = savedCode, savedPatches
		return err
	}
	takenBytes := c.code
	takenPatches := c.patches
	c.code, c.patches = savedCode, savedPatches

	if len(takenBytes) > 127 {
		return errs.New(errs.KindInternal, "backend.emitCondJump", errs.ErrCodegenBadEncoding)
	}
	base := len(c.code)
	c.emit(0x70|negatedJccNibble(u.Cond), byte(len(takenBytes)))
	c.emit(takenBytes...)
	for _, p := range takenPatches {
		p.Offset += base + 2 // +2 for the jcc opcode + rel8 byte just emitted
		c.patches = append(c.patches, p)
	}
	return nil
}

// helperOffsetDisp resolves a helper's base-block slot to its
// %ebp-relative displacement: the helper-offset table follows the spill
// area, which itself follows the hot region (spec.md §3/§6, core.BaseBlock).
func helperOffsetDisp(slot int) int {
	spillBase := core.OffTLSPtr.Slot() + 4
	helperBase := spillBase + core.NumSpillSlots*4
	return helperBase + slot*4
}

// emitHelperCall loads a single argument into EAX (when present) and
// calls through the helper table's indirection slot, the `call
// *off(%ebp)` pattern spec.md §9 calls out for dynamic helper dispatch.
func (c *Codegen) emitHelperCall(slot int, arg ucode.Operand) error {
	if arg.Tag != ucode.NoValue {
		if err := c.loadOperandToReg(arg, hostScratch); err != nil {
			return err
		}
	}
	c.emit(0xFF) // Grp5 /2: call r/m32
	c.emitModRMEbpDisp8Or32(2, helperOffsetDisp(slot))
	return nil
}

// pushLive/popLive save and restore, around a CCALL, every RealReg the
// allocator says is still live afterward -- a real function call clobbers
// the host's general registers, so anything live has to survive it
// (spec.md §4.2 "ccall save/restore", computed from UInstr.LiveAfter).
func (c *Codegen) pushLive(mask uint8) {
	for r := ucode.RealReg(0); int(r) < 6; r++ {
		if mask&(1<<uint(r)) != 0 {
			c.emit(0x50 + realRegEncoding(r))
		}
	}
}

func (c *Codegen) popLive(mask uint8) {
	for r := ucode.RealReg(5); int(r) >= 0; r-- {
		if mask&(1<<uint(r)) != 0 {
			c.emit(0x58 + realRegEncoding(r))
		}
	}
}

// emitCCallInstr lowers a CCALL: Arg2/Arg3 stage into EAX/EDX as the
// helper's two-argument convention, the call goes through the
// HelperID's table slot, and a non-literal Arg3 doubles as the result
// slot the call's EAX return value is written back to.
func (c *Codegen) emitCCallInstr(u *ucode.UInstr) error {
	live := u.LiveAfter
	if u.Arg3.Tag == ucode.RRegTag {
		live &^= 1 << uint(u.Arg3.Real) // receives the result, so it is not restored
	}
	c.pushLive(live)
	if u.Arg2.Tag != ucode.NoValue {
		if err := c.loadOperandToReg(u.Arg2, hostScratch); err != nil {
			return err
		}
	}
	if u.Arg3.Tag != ucode.NoValue && u.Arg3.Tag != ucode.Literal {
		if err := c.loadOperandToReg(u.Arg3, regEDX); err != nil {
			return err
		}
	}
	c.emit(0xFF) // Grp5 /2: call r/m32
	c.emitModRMEbpDisp8Or32(2, helperOffsetDisp(u.HelperID))
	if u.Arg3.Tag != ucode.NoValue && u.Arg3.Tag != ucode.Literal {
		if err := c.storeRegToOperand(hostScratch, u.Arg3); err != nil {
			return err
		}
	}
	c.popLive(live)
	return nil
}
