package core

// Config carries the knobs spec.md §6 describes as living on the
// out-of-scope CLI surface (--chain-bb, --trace-codegen, …) plus the two
// Open Questions from spec.md §9. The core never parses flags itself —
// a CLI collaborator populates this struct and hands it to the Machine.
type Config struct {
	// SchedulingQuantum is VG_SCHEDULING_QUANTUM: basic blocks run per
	// dispatch turn before round-robin reschedule.
	SchedulingQuantum int

	// ChainBB enables patching end-of-hBB dispatcher returns into direct
	// jumps between cached translations (spec.md §4.2 "Chaining").
	ChainBB bool

	// TraceMask is the 5-bit --trace-codegen mask from spec.md §6; bit
	// assignments are a Trace* constant in this package.
	TraceMask uint8

	// PreferWaker resolves the Open Question in spec.md §9: whether
	// need_resched(prefer) biases toward the thread that just woke
	// another. Decision recorded in DESIGN.md: default true.
	PreferWaker bool

	// MergeIncEip resolves the other Open Question: whether adjacent
	// INCEIP UInstrs may be fused. Defaults false (matches the legacy
	// behavior of leaving the optimization off). The dispatcher copies it
	// into frontend.Config, but the decoder never fuses INCEIPs, so
	// neither this flag nor plugin.Capabilities.StableIncEip changes the
	// generated UCode.
	MergeIncEip bool
}

// DefaultConfig matches the teacher's own defaults where one exists
// (VG_SCHEDULING_QUANTUM is 1000 in the original source) and the
// conservative choice otherwise.
func DefaultConfig() Config {
	return Config{
		SchedulingQuantum: 1000,
		ChainBB:           true,
		TraceMask:         0,
		PreferWaker:       true,
		MergeIncEip:       false,
	}
}

const (
	TraceDecoder uint8 = 1 << iota
	TraceCodegen
	TraceSched
	TracePthread
	TraceSyscall
)
