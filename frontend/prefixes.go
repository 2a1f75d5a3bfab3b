package frontend

// prefixState tracks the legacy-prefix recognition described in
// spec.md §4.1 point 2, in precedence order: LOCK, operand-size
// override, segment override, branch-prediction hint. Modeled after the
// teacher's prefix fields on CPU_X86 (cpu_x86.go: prefixSeg, prefixRep,
// prefixOpSize, prefixAddrSize) but collected per-instruction here since
// the decoder is stateless across instructions (each gBB produces an
// independent UCode block).
type prefixState struct {
	lock       bool
	opSize16   bool
	addrSize16 bool
	segOverride int // -1 = none, else 0..5 indexing ES/CS/SS/DS/FS/GS (sorb byte)
	repKind    int // 0 none, 1 REP/REPE, 2 REPNE
	branchHint bool
}

const (
	segNone = -1
	segES   = 0
	segCS   = 1
	segSS   = 2
	segDS   = 3
	segFS   = 4
	segGS   = 5
)

func newPrefixState() prefixState {
	return prefixState{segOverride: segNone}
}

// scanPrefixes consumes legacy prefix bytes starting at d.off, recording
// them into a prefixState without emitting anything yet (spec.md §4.1:
// "Emit nothing until opcode bytes have been fully recognized").
func (d *decoder) scanPrefixes() prefixState {
	p := newPrefixState()
	for {
		b := d.peek8()
		switch b {
		case 0xF0: // LOCK
			p.lock = true
			d.off++
		case 0xF2:
			p.repKind = 2
			d.off++
		case 0xF3:
			p.repKind = 1
			d.off++
		case 0x66:
			p.opSize16 = true
			d.off++
		case 0x67:
			p.addrSize16 = true
			d.off++
		case 0x2E:
			p.segOverride = segCS
			d.off++
		case 0x36:
			p.segOverride = segSS
			d.off++
		case 0x3E:
			p.segOverride = segDS
			d.off++
		case 0x26:
			p.segOverride = segES
			d.off++
		case 0x64:
			p.segOverride = segFS
			d.off++
		case 0x65:
			p.segOverride = segGS
			d.off++
		default:
			return p
		}
	}
}

// stripBranchHintForJcc reclassifies a 0x2E/0x3E segment override that
// scanPrefixes consumed before a conditional jump as the branch-prediction
// hint, per spec.md §4.1 point 2 "silently stripped". Nothing calls it:
// the decoder's Jcc cases ignore prefixState, so the hint byte is dropped
// without it.
func (p prefixState) stripBranchHintForJcc() prefixState {
	p.branchHint = p.segOverride != segNone
	p.segOverride = segNone
	return p
}
