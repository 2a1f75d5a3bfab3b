package ucode

import "testing"

func TestValidateRejectsEmptyBlock(t *testing.T) {
	b := NewBlock(0)
	if err := b.Validate(); err == nil {
		t.Fatal("Validate on an empty block: got nil error, want ErrUCodeBlockNoJump")
	}
}

func TestValidateRejectsMissingTrailingJump(t *testing.T) {
	b := NewBlock(0)
	b.Emit(UInstr{Op: NOP})
	if err := b.Validate(); err == nil {
		t.Fatal("Validate on a block with no trailing JMP: got nil error")
	}
}

func TestValidateRejectsJumpNotLast(t *testing.T) {
	b := NewBlock(0)
	b.Emit(UInstr{Op: JMP, Arg1: LitOperand(0x1000)})
	b.Emit(UInstr{Op: NOP})
	if err := b.Validate(); err == nil {
		t.Fatal("Validate on a block whose JMP isn't the last instruction: got nil error")
	}
}

func TestValidateAcceptsSingleTrailingJump(t *testing.T) {
	b := NewBlock(0)
	b.Emit(UInstr{Op: JMP, Arg1: LitOperand(0x1000)})
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate on a single trailing JMP: %v", err)
	}
}

func TestSanityRejectsTagNotInOpcodesAllowedSet(t *testing.T) {
	// GET's allowed Arg1 tags are {ArchReg, ArchRegS}; Literal isn't
	// among them, so this must trip the per-opcode tag-set invariant.
	u := UInstr{Op: GET, Arg1: LitOperand(0), Arg2: TempOperand(0)}
	if err := u.Sanity(); err == nil {
		t.Fatal("Sanity on GET with a Literal Arg1: got nil error")
	}
}

func TestSanityAcceptsDeclaredTagSet(t *testing.T) {
	u := UInstr{Op: GET, Arg1: ArchOperand(ArchEAX), Arg2: TempOperand(0)}
	if err := u.Sanity(); err != nil {
		t.Fatalf("Sanity on a well-formed GET: %v", err)
	}
}

func TestValidateRejectsJccReadingUncoveredFlag(t *testing.T) {
	b := NewBlock(0)
	b.Emit(UInstr{Op: JCC, Arg1: LitOperand(0x1000), Cond: CondZ})
	b.Emit(UInstr{Op: JMP, Arg1: LitOperand(0x2000)})
	if err := b.Validate(); err == nil {
		t.Fatal("Validate on a JCC reading FlagZ with no dominating writer: got nil error")
	}
}

func TestValidateAcceptsJccAfterDominatingFlagWriter(t *testing.T) {
	b := NewBlock(0)
	t1 := b.NewTemp()
	b.Emit(UInstr{Op: ADD, Arg1: LitOperand(1), Arg2: TempOperand(t1), FlagsWritten: FlagZ})
	b.Emit(UInstr{Op: JCC, Arg1: LitOperand(0x1000), Cond: CondZ})
	b.Emit(UInstr{Op: JMP, Arg1: LitOperand(0x2000)})
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate on a JCC dominated by a FlagZ writer: %v", err)
	}
}

func TestValidateTreatsUndefWritesAsClobbering(t *testing.T) {
	b := NewBlock(0)
	t1 := b.NewTemp()
	b.Emit(UInstr{Op: ADD, Arg1: LitOperand(1), Arg2: TempOperand(t1), FlagsWritten: FlagZ})
	b.Emit(UInstr{Op: SHL, Arg1: LitOperand(1), Arg2: TempOperand(t1), FlagsUndef: FlagZ})
	b.Emit(UInstr{Op: JCC, Arg1: LitOperand(0x1000), Cond: CondZ})
	b.Emit(UInstr{Op: JMP, Arg1: LitOperand(0x2000)})
	if err := b.Validate(); err == nil {
		t.Fatal("Validate on a JCC reading a flag clobbered by an intervening FlagsUndef: got nil error")
	}
}
