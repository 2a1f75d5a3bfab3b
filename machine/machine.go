// Package machine consolidates the base block, thread table, trace
// cache, and helper table into the single mutable context spec.md §9's
// "Global mutable state" design note calls for, and wires the pthread
// engine and host-OS boundary against it. It is the one package that
// imports every other subsystem, so the cyclic shape a single
// core.Machine type would otherwise require (core importing scheduler
// importing core) lives here instead, one layer up.
//
// Grounded in the teacher's machine_bus.go: a single struct every chip
// and CPU holds a pointer to, constructed once at startup and threaded
// through every subsystem's constructor rather than referenced through
// package-level globals.
package machine

import (
	"context"

	"github.com/vex86/coregrind-go/core"
	"github.com/vex86/coregrind-go/hostos"
	"github.com/vex86/coregrind-go/plugin"
	"github.com/vex86/coregrind-go/pthread"
	"github.com/vex86/coregrind-go/scheduler"
	"github.com/vex86/coregrind-go/tracecache"
)

// Machine owns every piece of per-process mutable state the framework
// needs: exactly the inventory spec.md §9 lists as candidates for
// consolidation (base block, thread table, trace cache, helper table).
type Machine struct {
	Config core.Config
	Tracer *core.Tracer

	BaseBlock *core.BaseBlock
	Threads   *scheduler.Table
	Cache     *tracecache.Cache
	Memory    core.GuestMemory

	Plugin   *plugin.Plugin
	Pthread  *pthread.Engine
	Proxies  *hostos.Pool
	Dispatch *scheduler.Dispatcher
}

// New assembles a Machine from its configuration, guest memory, plugin,
// and syscall executor, wiring the pthread engine and proxy pool against
// the same thread table and dispatcher the scheduler package owns.
func New(ctx context.Context, cfg core.Config, mem core.GuestMemory, pl *plugin.Plugin, exec scheduler.Executor, issue func(hostos.SyscallRequest) hostos.SyscallResult) *Machine {
	if pl == nil {
		pl = &plugin.Plugin{}
	}
	bb := core.NewBaseBlock()
	threads := scheduler.NewTable()
	cache := tracecache.New()
	dispatch := scheduler.NewDispatcher(cfg, bb, threads, cache, mem, exec, pl)
	pthreadEngine := pthread.NewEngine(threads, dispatch, pl)
	proxies := hostos.NewPool(ctx, issue)
	dispatch.SetClientRequestAgent(pthreadEngine)
	dispatch.SetSyscallAgent(proxies)

	return &Machine{
		Config:    cfg,
		Tracer:    core.NewTracer(cfg.TraceMask),
		BaseBlock: bb,
		Threads:   threads,
		Cache:     cache,
		Memory:    mem,
		Plugin:    pl,
		Pthread:   pthreadEngine,
		Proxies:   proxies,
		Dispatch:  dispatch,
	}
}

// SpawnInitialThread allocates the program's first thread record and
// returns its ThreadId, the one piece of bootstrapping every run needs
// before Run can find anything Runnable.
func (m *Machine) SpawnInitialThread(entryEip uint32) (scheduler.ThreadId, error) {
	tid, err := m.Threads.Alloc()
	if err != nil {
		return 0, err
	}
	rec, err := m.Threads.Get(tid)
	if err != nil {
		return 0, err
	}
	rec.State.EIP = entryEip
	rec.State.GPR[4] = defaultStackTop // ESP; a real loader computes this from the guest's mapped stack segment
	m.Proxies.Spawn(tid, 0)
	return tid, nil
}

// defaultStackTop is a placeholder initial ESP for a freshly spawned
// thread; a real process loader overwrites this with the address the
// kernel actually mapped the initial stack at.
const defaultStackTop = 0x80000000

// Run drives the dispatcher to completion, per spec.md §4.3's main loop.
func (m *Machine) Run(wallClockMs func() uint64) (scheduler.TerminationCode, error) {
	return m.Dispatch.Run(wallClockMs)
}

// Shutdown waits for every proxy LWP to exit.
func (m *Machine) Shutdown() error {
	return m.Proxies.Wait()
}
