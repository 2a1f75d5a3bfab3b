package frontend

import (
	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/ucode"
)

// liveRange is one temp's [first definition/use, last use] instruction
// index span within a single UCode block.
type liveRange struct {
	temp, start, end int
}

// AllocateRegisters is the register-allocator sub-pass described in
// spec.md §4.1: computes liveness on temps, greedily assigns each live
// range to one of {EAX, EBX, ECX, EDX, ESI, EDI} or a spill slot, and
// rewrites TempReg operands into RealReg/SpillNo, filling in each
// UInstr's regs_live_after bitmap for the codegen's ccall save/restore
// pass. Runs once per UCode block, after decoding and before codegen.
func AllocateRegisters(b *ucode.Block) error {
	n := b.TempCount()
	if n == 0 {
		return nil
	}

	first := make([]int, n)
	last := make([]int, n)
	for i := range first {
		first[i] = -1
		last[i] = -1
	}

	visit := func(op ucode.Operand, idx int) {
		if op.Tag != ucode.TempReg {
			return
		}
		if first[op.Temp] == -1 {
			first[op.Temp] = idx
		}
		last[op.Temp] = idx
	}

	for i, ins := range b.Instrs {
		visit(ins.Arg1, i)
		visit(ins.Arg2, i)
		visit(ins.Arg3, i)
	}

	ranges := make([]liveRange, 0, n)
	for t := 0; t < n; t++ {
		if first[t] == -1 {
			continue // decoder allocated a temp id it never referenced
		}
		ranges = append(ranges, liveRange{t, first[t], last[t]})
	}

	assign := make([]ucode.Operand, n) // RealReg or SpillNo, final assignment per temp

	// Greedy linear-scan over ranges in definition order (the decoder
	// allocates temp ids in the order it emits them, which already
	// approximates start order well enough for a single-block
	// allocator): keep a free-list of real registers, spill to a
	// numbered slot when none are free.
	var freeReal []ucode.RealReg
	for r := ucode.RealReg(0); int(r) < 6; r++ {
		freeReal = append(freeReal, r)
	}
	activeReal := make(map[int]ucode.RealReg) // temp -> real reg, currently live
	nextSpill := 0

	endOf := make(map[int]int, len(ranges))
	for _, r := range ranges {
		endOf[r.temp] = r.end
	}

	for _, lr := range ranges {
		for t, r := range activeReal {
			if endOf[t] < lr.start {
				delete(activeReal, t)
				freeReal = append(freeReal, r)
			}
		}
		if len(freeReal) > 0 {
			r := freeReal[len(freeReal)-1]
			freeReal = freeReal[:len(freeReal)-1]
			activeReal[lr.temp] = r
			assign[lr.temp] = ucode.Operand{Tag: ucode.RRegTag, Real: r}
		} else {
			assign[lr.temp] = ucode.Operand{Tag: ucode.SpillNo, Spill: nextSpill}
			if nextSpill < core.NumSpillSlots-1 {
				nextSpill++
			}
		}
	}

	rewrite := func(op *ucode.Operand) {
		if op.Tag != ucode.TempReg {
			return
		}
		*op = assign[op.Temp]
	}

	for i := range b.Instrs {
		rewrite(&b.Instrs[i].Arg1)
		rewrite(&b.Instrs[i].Arg2)
		rewrite(&b.Instrs[i].Arg3)
	}

	fillLiveAfter(b, ranges, assign)
	return nil
}

// fillLiveAfter computes, for each instruction index, the bitmask of
// real registers whose assigned temp's live range extends past that
// index — consumed by the codegen's CCALL save/restore optimization
// (spec.md §4.2).
func fillLiveAfter(b *ucode.Block, ranges []liveRange, assign []ucode.Operand) {
	for i := range b.Instrs {
		var mask uint8
		for _, r := range ranges {
			if r.end > i {
				if a := assign[r.temp]; a.Tag == ucode.RRegTag {
					mask |= 1 << uint(a.Real)
				}
			}
		}
		b.Instrs[i].LiveAfter = mask
	}
}
