// Package plugin defines the tooling-plugin ("skin") boundary: the
// registration vector of helper function addresses, the compile-time
// event-hook subscription flags, and the capability flags the core
// queries before enabling certain optimizations (spec.md §6, §9's
// "INCEIP merging" open question).
//
// Grounded in the teacher's DebuggableCPU interface (debug_interface.go):
// a small, explicit interface the core depends on and an external
// component implements, rather than a generic plugin-loader framework.
package plugin

import "github.com/vex86/coregrind-go/errs"

// MaxCompactHelpers / MaxNonCompactHelpers bound the registration vector
// per spec.md §6 ("up to 8 compact helpers and up to 50 non-compact
// helpers").
const (
	MaxCompactHelpers    = 8
	MaxNonCompactHelpers = 50
)

// HelperKind distinguishes short-call-site ("compact") helpers from the
// larger general pool, per spec.md §6.
type HelperKind int

const (
	Compact HelperKind = iota
	NonCompact
)

// HelperFunc is the address a CCALL/UNDEFOP UInstr resolves to, once
// assigned a base-block slot. In this Go port the "address" is simply an
// opaque handle the host-OS/codegen layer knows how to invoke; nothing
// here takes a raw function pointer, per spec.md §9's "Dynamic dispatch
// via helper table" design note.
type HelperFunc func(args ...uint32) uint32

// HelperTable assigns each registered helper function a fixed
// base-block slot and keeps the core's indirect-call targets in one
// place, so the codegen only ever needs "the offset of the Nth helper"
// rather than a raw function pointer (spec.md §9).
type HelperTable struct {
	compact    [MaxCompactHelpers]HelperFunc
	nonCompact [MaxNonCompactHelpers]HelperFunc
	nCompact   int
	nNonCompact int
}

// Register adds fn to the table and returns its stable slot index
// (compact slots are numbered first, non-compact continue after).
func (t *HelperTable) Register(kind HelperKind, fn HelperFunc) (int, error) {
	switch kind {
	case Compact:
		if t.nCompact >= MaxCompactHelpers {
			return 0, errs.New(errs.KindInternal, "HelperTable.Register", errs.ErrHelperTableFull)
		}
		idx := t.nCompact
		t.compact[idx] = fn
		t.nCompact++
		return idx, nil
	default:
		if t.nNonCompact >= MaxNonCompactHelpers {
			return 0, errs.New(errs.KindInternal, "HelperTable.Register", errs.ErrHelperTableFull)
		}
		idx := MaxCompactHelpers + t.nNonCompact
		t.nonCompact[t.nNonCompact] = fn
		t.nNonCompact++
		return idx, nil
	}
}

// Invoke calls the helper at slot, the Go-level stand-in for the
// codegen's `call *off(%ebp)` indirection.
func (t *HelperTable) Invoke(slot int, args ...uint32) (uint32, error) {
	if slot < MaxCompactHelpers {
		if fn := t.compact[slot]; fn != nil {
			return fn(args...), nil
		}
	} else if idx := slot - MaxCompactHelpers; idx < t.nNonCompact {
		if fn := t.nonCompact[idx]; fn != nil {
			return fn(args...), nil
		}
	}
	return 0, errs.New(errs.KindInternal, "HelperTable.Invoke", errs.ErrHelperNotRegistered)
}

// EventHooks is the compile-time boolean subscription set from
// spec.md §6: the codegen reads these to decide whether, e.g., a PUT to
// ESP needs the "unknown ESP update" helper call instead of a bare PUT.
type EventHooks struct {
	NewMemStack4, NewMemStack8, NewMemStack12, NewMemStack16, NewMemStack32, NewMemStackN bool
	DieMemStack4, DieMemStack8, DieMemStack12, DieMemStack16, DieMemStack32, DieMemStackN bool
	PostMemWrite                                                                         bool
	PreMutexLock, PostMutexLock, PostMutexUnlock                                         bool
	PostThreadCreate, PostThreadJoin, ThreadRun                                           bool
}

// TracksStackPointer reports whether any stack-tracking hook is
// subscribed, the condition the codegen's ESP-tracking policy checks
// (spec.md §4.2 "ESP tracking").
func (h EventHooks) TracksStackPointer() bool {
	return h.NewMemStack4 || h.NewMemStack8 || h.NewMemStack12 || h.NewMemStack16 ||
		h.NewMemStack32 || h.NewMemStackN ||
		h.DieMemStack4 || h.DieMemStack8 || h.DieMemStack12 || h.DieMemStack16 ||
		h.DieMemStack32 || h.DieMemStackN
}

// Capabilities advertises core-level optimizations a plugin is safe to
// have enabled against it, resolving the spec.md §9 Open Question on
// INCEIP merging: a plugin that snapshots the stack at arbitrary UInstrs
// must NOT set StableIncEip, or merged INCEIPs will desynchronize its
// view of the guest IP.
type Capabilities struct {
	StableIncEip bool
}

// Plugin is the minimal interface the core depends on; an external
// memory-checking or profiling tool implements it and the core never
// imports a concrete plugin type.
type Plugin struct {
	Hooks        EventHooks
	Capabilities Capabilities
	Helpers      *HelperTable

	// OnMemoryError is called for a client request or syscall argument
	// found to reference an invalid pointer (spec.md §7): reported to
	// the plugin, never aborts the guest.
	OnMemoryError func(addr uint32, size int, context string)

	// OnPthreadError is called for pthread API misuse (spec.md §7, §8
	// scenario 2): the event is plugin-visible in addition to the
	// POSIX errno returned to the guest.
	OnPthreadError func(kind string, detail string)
}
